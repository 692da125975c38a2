package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"jaspire/internal/domain/linking"
	"jaspire/internal/infrastructure/crypto"
	"jaspire/internal/infrastructure/postgres"
	"jaspire/internal/infrastructure/providers"
	"jaspire/internal/infrastructure/stores"
	"jaspire/internal/shared/auth"
	"jaspire/internal/shared/config"
)

const usage = `Jaspire Admin CLI - Management commands for the Jaspire linking API

Usage:
  admin <command> [options]

Commands:
  check-credentials    Validate provider credentials (exits 1 if any provider fails)
  migrate              Apply pending postgres schema migrations
  expire-sessions      Move overdue PENDING link sessions to EXPIRED
  refresh-accounts     Refresh balances of linked accounts from their providers
  issue-token          Issue a development JWT for a user id

Examples:
  # Check every provider
  admin check-credentials

  # Check one provider and print the report as JSON
  admin check-credentials --provider=plaid --json

  # Refresh accounts for specific users
  admin refresh-accounts --user-id=u1,u2

  # Refresh accounts for all users with active links
  admin refresh-accounts --all --workers=8 --timeout=1h

  # Issue a token for local testing
  admin issue-token --user-id=u1 --email=dev@example.com
`

const defaultWorkers = 4

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage, "\n")
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "check-credentials":
		runCheckCredentials(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "expire-sessions":
		runExpireSessions(os.Args[2:])
	case "refresh-accounts":
		runRefreshAccounts(os.Args[2:])
	case "issue-token":
		runIssueToken(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage, "\n")
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		fmt.Print(usage, "\n")
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func runCheckCredentials(args []string) {
	fs := flag.NewFlagSet("check-credentials", flag.ExitOnError)
	providerName := fs.String("provider", "", "Provider to check (plaid, mastercard, alpaca); all when empty")
	asJSON := fs.Bool("json", false, "Print reports as JSON")
	timeout := fs.Duration("timeout", time.Minute, "Timeout for all checks")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	diagnostics := linking.NewDiagnostics(providers.NewRegistry(cfg.Providers, cfg.Link.CallbackURL))

	targets := []linking.Provider{linking.ProviderPlaid, linking.ProviderMastercard, linking.ProviderAlpaca}
	if *providerName != "" {
		p, err := linking.ParseProvider(*providerName)
		if err != nil {
			log.Fatalf("Invalid provider: %v", err)
		}
		targets = []linking.Provider{p}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	failed := 0
	for _, p := range targets {
		report, err := diagnostics.Check(ctx, p)
		if err != nil {
			failed++
			fmt.Printf("%-11s ERROR  %s\n", p, linking.SafeMessage(err))
			continue
		}
		if !report.Valid {
			failed++
		}
		if *asJSON {
			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Println(string(out))
			continue
		}
		printReport(report)
	}

	if failed > 0 {
		log.Printf("%d of %d provider check(s) failed", failed, len(targets))
		os.Exit(1)
	}
}

func printReport(r *linking.CredentialReport) {
	status := "OK"
	if !r.Valid {
		status = "FAILED"
	}
	fmt.Printf("%-11s %-6s %s\n", r.Provider, status, r.Message)
	if r.Endpoint != "" {
		fmt.Printf("  endpoint: %s\n", r.Endpoint)
	}
	names := make([]string, 0, len(r.Credentials))
	for name := range r.Credentials {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %s = %s\n", name, r.Credentials[name])
	}
}

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	list := fs.Bool("list", false, "List embedded migrations without applying them")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *list {
		names, err := postgres.Migrations()
		if err != nil {
			log.Fatalf("Failed to read migrations: %v", err)
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return
	}

	cfg := loadConfig()
	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	applied, err := db.Migrate(context.Background())
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Printf("Applied %d migration(s)", applied)
}

func runExpireSessions(args []string) {
	fs := flag.NewFlagSet("expire-sessions", flag.ExitOnError)
	timeout := fs.Duration("timeout", 5*time.Minute, "Timeout for the sweep")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	st, err := stores.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open stores: %v", err)
	}
	defer st.Close()

	registry := providers.NewRegistry(cfg.Providers, cfg.Link.CallbackURL)
	n, err := linking.NewSessionManager(registry, st.Sessions, cfg.Link.SessionTTL).ExpireStale(ctx)
	if err != nil {
		log.Fatalf("Expiry sweep failed: %v", err)
	}
	fmt.Printf("Expired %d link session(s)\n", n)
}

func runRefreshAccounts(args []string) {
	fs := flag.NewFlagSet("refresh-accounts", flag.ExitOnError)
	userIDStr := fs.String("user-id", "", "User ID(s) to refresh (comma-separated for multiple)")
	allUsers := fs.Bool("all", false, "Refresh every user with an active linked account")
	workers := fs.Int("workers", defaultWorkers, "Number of concurrent workers")
	timeout := fs.Duration("timeout", 30*time.Minute, "Timeout for the operation (e.g., 5m, 1h)")

	fs.Usage = func() {
		fmt.Println("Usage: admin refresh-accounts [options]")
		fmt.Println("\nOptions:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *userIDStr == "" && !*allUsers {
		fmt.Println("Error: must specify --user-id or --all")
		fs.Usage()
		os.Exit(1)
	}
	if *workers < 1 {
		*workers = 1
	}

	cfg := loadConfig()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	st, err := stores.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open stores: %v", err)
	}
	defer st.Close()

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}
	registry := providers.NewRegistry(cfg.Providers, cfg.Link.CallbackURL)
	accounts := linking.NewAccountService(registry, st.Accounts, st.Credentials, encryptor)

	var userIDs []string
	if *allUsers {
		userIDs, err = accounts.ActiveUserIDs(ctx)
		if err != nil {
			log.Fatalf("Failed to list users: %v", err)
		}
		log.Printf("Found %d users with active accounts", len(userIDs))
	} else {
		for _, p := range strings.Split(*userIDStr, ",") {
			if p = strings.TrimSpace(p); p != "" {
				userIDs = append(userIDs, p)
			}
		}
	}
	if len(userIDs) == 0 {
		log.Println("No users to process")
		return
	}

	log.Printf("Refreshing accounts for %d user(s) with %d workers", len(userIDs), *workers)
	start := time.Now()
	results := refreshUsers(ctx, accounts, userIDs, *workers)

	failed := 0
	for _, id := range userIDs {
		r := results[id]
		if r.err != nil {
			failed++
			fmt.Printf("%-36s refreshed=%d error=%s\n", id, r.refreshed, linking.SafeMessage(r.err))
			continue
		}
		fmt.Printf("%-36s refreshed=%d\n", id, r.refreshed)
	}
	log.Printf("Refresh completed in %v (%d user(s) with errors)", time.Since(start), failed)
	if failed > 0 {
		os.Exit(1)
	}
}

type refreshResult struct {
	refreshed int
	err       error
}

func refreshUsers(ctx context.Context, accounts *linking.AccountService, userIDs []string, workers int) map[string]refreshResult {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]refreshResult, len(userIDs))
		sem     = make(chan struct{}, workers)
	)
	for _, id := range userIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(userID string) {
			defer wg.Done()
			defer func() { <-sem }()
			n, err := accounts.RefreshUser(ctx, userID)
			mu.Lock()
			results[userID] = refreshResult{refreshed: n, err: err}
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

func runIssueToken(args []string) {
	fs := flag.NewFlagSet("issue-token", flag.ExitOnError)
	userID := fs.String("user-id", "", "User ID to place in the token subject")
	email := fs.String("email", "", "Optional email claim")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *userID == "" {
		fmt.Println("Error: --user-id is required")
		os.Exit(1)
	}

	cfg := loadConfig()
	if cfg.Auth.Mode != config.AuthModeJWT {
		log.Fatalf("issue-token requires AUTH_MODE=jwt (current: %s)", cfg.Auth.Mode)
	}
	token, err := auth.NewJWT(cfg.JWT.Secret).Generate(*userID, *email)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Println(token)
}
