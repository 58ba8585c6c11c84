package supportchat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	// Identity is announced on the socket. When empty it is read from the
	// claims of the client's token.
	Identity Identity
	Realtime RealtimeConfig
	// Offline skips the socket; stores then only see REST data.
	Offline        bool
	PollInterval   time.Duration
	SendMode       SendMode
	DedupTolerance time.Duration
	TypingTimeout  time.Duration
	TypingInterval time.Duration
}

// Session wires one actor's transport, presence tracker and directory.
// The session holds one reference on the transport; stores opened through
// it hold one each.
type Session struct {
	client *Client
	config SessionConfig

	Transport *RealtimeTransport
	Presence  *PresenceTracker
	Directory *Directory

	mu       sync.Mutex
	identity Identity
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
}

// NewSession creates a session that is not yet connected.
func NewSession(client *Client, config SessionConfig) *Session {
	return &Session{client: client, config: config, identity: config.Identity}
}

// Identity returns the actor of the session.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) resolveIdentity(ctx context.Context) (Identity, error) {
	if s.config.Identity.ParticipantID != "" {
		return s.config.Identity, nil
	}
	if s.client.credentials == nil {
		return Identity{}, ErrNoCredentials
	}
	token, err := s.client.credentials.Token(ctx)
	if err != nil {
		return Identity{}, err
	}
	claims, err := ParseTokenClaims(token)
	if err != nil {
		return Identity{}, err
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("token carries no subject")
	}
	return claims.Identity(), nil
}

// Start connects the socket, loads the directory and starts polling.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	identity, err := s.resolveIdentity(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}

	var transport *RealtimeTransport
	presence := NewPresenceTracker(s.config.TypingTimeout, s.client.logger)
	if !s.config.Offline {
		rc := s.config.Realtime
		rc.AutoReconnect = true
		transport = NewRealtimeTransport(s.client, rc)
		presence.Attach(transport, identity.Role)
		transport.Acquire()
		if err := transport.Connect(ctx, identity); err != nil {
			transport.Release()
			presence.Detach()
			return fmt.Errorf("connect realtime: %w", err)
		}
	}

	dir := NewDirectory(s.client, transport, DirectoryOptions{
		Identity:     identity,
		PollInterval: s.config.PollInterval,
		Store: StoreOptions{
			SendMode:       s.config.SendMode,
			DedupTolerance: s.config.DedupTolerance,
			TypingInterval: s.config.TypingInterval,
		},
	})
	if err := dir.Refresh(ctx); err != nil {
		s.client.logger.Warn().Err(err).Msg("initial directory load failed")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dir.poll(runCtx)
	}()

	s.mu.Lock()
	s.identity = identity
	s.Transport = transport
	s.Presence = presence
	s.Directory = dir
	s.cancel = cancel
	s.done = done
	s.started = true
	s.mu.Unlock()

	s.client.logger.Info().
		Str("participant", identity.ParticipantID).
		Str("role", string(identity.Role)).
		Bool("offline", s.config.Offline).
		Msg("session started")
	return nil
}

// Open returns the store of scope.
func (s *Session) Open(scope Scope) (*ConversationStore, error) {
	s.mu.Lock()
	dir := s.Directory
	s.mu.Unlock()
	if dir == nil {
		return nil, ErrNotConnected
	}
	return dir.Open(scope), nil
}

// Close stops polling, closes every store and releases the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel, done := s.cancel, s.done
	dir, presence, transport := s.Directory, s.Presence, s.Transport
	s.mu.Unlock()

	cancel()
	<-done
	dir.Close()
	if transport != nil {
		presence.Detach()
		transport.Release()
	}
	return nil
}
