// Package stores opens the repositories selected by STORE_BACKEND and SESSION_STORE.
package stores

import (
	"context"
	"fmt"
	"log"

	"cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"jaspire/internal/domain/linking"
	"jaspire/internal/infrastructure/firebase"
	"jaspire/internal/infrastructure/memory"
	"jaspire/internal/infrastructure/postgres"
	"jaspire/internal/infrastructure/redis"
	"jaspire/internal/shared/config"
)

// Stores holds the repositories and the connections backing them.
type Stores struct {
	Sessions    linking.SessionRepository
	Accounts    linking.AccountRepository
	Credentials linking.CredentialRepository

	// Connections; nil when the backend is not in use.
	DB       *postgres.DB
	Firebase *firebase.Client
	Redis    *goredis.Client
}

// Open connects the configured backends. On error every connection opened so
// far is closed.
func Open(ctx context.Context, cfg *config.Config) (*Stores, error) {
	s := &Stores{}
	if err := s.open(ctx, cfg); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stores) open(ctx context.Context, cfg *config.Config) error {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := postgres.New(cfg.Database.ConnectionString())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.DB = db
		log.Println("Connected to database")
		s.Accounts = postgres.NewAccountRepository(db)
		s.Credentials = postgres.NewCredentialRepository(db)
	case config.BackendFirestore:
		fs, err := s.firestore(ctx, cfg)
		if err != nil {
			return err
		}
		s.Accounts = firebase.NewAccountRepository(fs)
		s.Credentials = firebase.NewCredentialRepository(fs)
	case config.BackendMemory:
		log.Println("Warning: using in-memory store; data is lost on restart")
		s.Accounts = memory.NewAccountStore()
		s.Credentials = memory.NewCredentialStore()
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	switch cfg.Store.Sessions {
	case config.BackendPostgres:
		s.Sessions = postgres.NewSessionRepository(s.DB)
	case config.BackendFirestore:
		fs, err := s.firestore(ctx, cfg)
		if err != nil {
			return err
		}
		s.Sessions = firebase.NewSessionRepository(fs)
	case config.BackendRedis:
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		s.Redis = rdb
		log.Printf("Connected to redis at %s", cfg.Redis.Addr)
		s.Sessions = redis.NewSessionStore(rdb, cfg.Redis.SessionRetention)
	case config.BackendMemory:
		s.Sessions = memory.NewSessionStore()
	default:
		return fmt.Errorf("unknown session store %q", cfg.Store.Sessions)
	}

	return nil
}

// FirebaseClient returns the shared Firebase app, creating it on first use.
func (s *Stores) FirebaseClient(ctx context.Context, cfg *config.Config) (*firebase.Client, error) {
	if s.Firebase != nil {
		return s.Firebase, nil
	}
	c, err := firebase.NewClient(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase: %w", err)
	}
	s.Firebase = c
	return c, nil
}

func (s *Stores) firestore(ctx context.Context, cfg *config.Config) (*firestore.Client, error) {
	c, err := s.FirebaseClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c.Firestore(ctx)
}

// Ping checks the SQL and Redis connections.
func (s *Stores) Ping(ctx context.Context) error {
	if s.DB != nil {
		if err := s.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
	}
	return nil
}

// Close releases every open connection.
func (s *Stores) Close() {
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Printf("Error closing redis: %v", err)
		}
	}
	if s.Firebase != nil {
		if err := s.Firebase.Close(); err != nil {
			log.Printf("Error closing firebase: %v", err)
		}
	}
}
