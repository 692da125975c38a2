// Package listener turns postgres NOTIFY events into background work.
package listener

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/lib/pq"
)

const (
	// ChannelSessionCompleted is raised by the link_session_completed trigger.
	ChannelSessionCompleted = "link_session_completed"
	reconnectInterval       = 5 * time.Second
	pingInterval            = 90 * time.Second
)

// SessionCompleted is the NOTIFY payload for a session that reached COMPLETED.
type SessionCompleted struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Provider  string `json:"provider"`
}

// Handler receives decoded notifications. It runs on the listener goroutine
// and must not block.
type Handler func(SessionCompleted)

// SessionListener listens for completed link sessions.
type SessionListener struct {
	connStr    string
	handle     Handler
	shutdownCh chan struct{}
	done       chan struct{}
}

// NewSessionListener creates a listener that calls handle for every completed session.
func NewSessionListener(connStr string, handle Handler) *SessionListener {
	return &SessionListener{
		connStr:    connStr,
		handle:     handle,
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins listening in a background goroutine.
func (l *SessionListener) Start(ctx context.Context) {
	go l.listen(ctx)
	log.Println("Session notification listener started")
}

// Stop shuts the listener down and waits for it to exit.
func (l *SessionListener) Stop() {
	close(l.shutdownCh)
	<-l.done
	log.Println("Session notification listener stopped")
}

func (l *SessionListener) listen(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		default:
			l.connectAndListen(ctx)
		}

		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
			log.Println("Reconnecting to PostgreSQL for session notifications...")
		}
	}
}

func (l *SessionListener) connectAndListen(ctx context.Context) {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			log.Println("Connected to PostgreSQL notification channel")
		case pq.ListenerEventDisconnected:
			log.Printf("Disconnected from PostgreSQL notification channel: %v", err)
		case pq.ListenerEventReconnected:
			log.Println("Reconnected to PostgreSQL notification channel")
		case pq.ListenerEventConnectionAttemptFailed:
			log.Printf("Notification connection attempt failed: %v", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(ChannelSessionCompleted); err != nil {
		log.Printf("Failed to listen on channel %s: %v", ChannelSessionCompleted, err)
		return
	}
	log.Printf("Listening on channel: %s", ChannelSessionCompleted)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// connection lost; pq re-establishes it, but we start over to re-LISTEN
				return
			}
			l.dispatch(n)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					log.Printf("Listener ping failed: %v", err)
				}
			}()
		}
	}
}

func (l *SessionListener) dispatch(n *pq.Notification) {
	payload, ok := decode(n.Extra)
	if !ok {
		return
	}
	l.handle(payload)
}

func decode(extra string) (SessionCompleted, bool) {
	var payload SessionCompleted
	if err := json.Unmarshal([]byte(extra), &payload); err != nil {
		log.Printf("Failed to parse session notification payload: %v", err)
		return payload, false
	}
	if payload.UserID == "" {
		log.Printf("Session notification for %s carried no user id", payload.SessionID)
		return payload, false
	}
	return payload, true
}
