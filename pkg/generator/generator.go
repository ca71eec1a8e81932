// Package generator runs app generation sessions end to end: it resolves the
// credential, drives the conversation, persists the result and notifies
// consumers.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/harun/appgen/internal/observability"
	"github.com/harun/appgen/internal/tracing"
	"github.com/harun/appgen/pkg/assembler"
	"github.com/harun/appgen/pkg/completion"
	"github.com/harun/appgen/pkg/conversation"
	"github.com/harun/appgen/pkg/dispatch"
	"github.com/harun/appgen/pkg/postprocess"
	"github.com/harun/appgen/pkg/store"
	"github.com/harun/appgen/pkg/upstream"
)

const (
	idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	idLength   = 12
)

var (
	// ErrMissingCredential is returned by Start when no credential resolves
	ErrMissingCredential = errors.New("no credential for upstream provider")
	// ErrEmptyDescription is returned by Start for a blank description
	ErrEmptyDescription = errors.New("app description is required")
)

// ProviderFactory creates upstream providers
type ProviderFactory interface {
	NewProvider(profile upstream.Profile) (upstream.Provider, error)
}

// ProviderFunc adapts a function to a ProviderFactory
type ProviderFunc func(profile upstream.Profile) (upstream.Provider, error)

// NewProvider calls f
func (f ProviderFunc) NewProvider(profile upstream.Profile) (upstream.Provider, error) {
	return f(profile)
}

// CredentialSource looks up stored credentials
type CredentialSource interface {
	Get(ctx context.Context, namespace, key string) (string, bool)
}

// AppStore records apps and their files
type AppStore interface {
	CreateApp(ctx context.Context, app store.App) error
	UpdateAppState(ctx context.Context, id, state string) error
	SaveFiles(ctx context.Context, appID string, files map[string]string) error
}

// PostProcessor finishes the files of a completed session. out is nil when
// nothing is written to disk.
type PostProcessor interface {
	Run(ctx context.Context, files *assembler.Assembler, out postprocess.Output) error
}

// Config configures the service
type Config struct {
	Provider string
	BaseURL  string
	// APIKey is the last-resort credential
	APIKey        string
	Driver        conversation.Config
	RetryDelay    time.Duration
	OutputDir     string
	MaxConcurrent int
	QueueSize     int
}

// Deps are the collaborators of the service. Only Providers is required.
type Deps struct {
	Providers   ProviderFactory
	Credentials CredentialSource
	Store       AppStore
	Recorder    conversation.Recorder
	Post        PostProcessor
	// Sinks receive the notifications of every session
	Sinks  []dispatch.Sink
	Logger zerolog.Logger
}

// Request asks for one app
type Request struct {
	Description string
	// Credential overrides the stored credentials
	Credential string
	// Sinks receive only this session's notifications
	Sinks []dispatch.Sink
	// OnStart is called with the session id before any notification is sent
	OnStart func(sessionID string)
}

// Result describes a finished session
type Result struct {
	SessionID string
	Slug      string
	State     conversation.State
	Outcome   completion.Outcome
	Turns     int
	Attempts  int
	Usage     upstream.Usage
	Files     map[string]string
	OutputDir string
	Duration  time.Duration
	// Err explains an aborted session
	Err error
}

type activeSession struct {
	cancel  context.CancelFunc
	started time.Time
}

// Service runs generation sessions, each in its own goroutine
type Service struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
	sem    *semaphore.Weighted

	mu     sync.Mutex
	active map[string]*activeSession
	wg     sync.WaitGroup
}

// New creates a service
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Providers == nil {
		return nil, errors.New("provider factory is required")
	}
	if cfg.Provider == "" {
		cfg.Provider = "anthropic"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = dispatch.DefaultQueueSize
	}
	if cfg.Driver.Model == "" {
		cfg.Driver = conversation.DefaultConfig()
	}

	observability.EnsureRegistered()

	return &Service{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "generator").Logger(),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		active: make(map[string]*activeSession),
	}, nil
}

// Start validates req, resolves its credential and starts a session. The
// session outlives ctx; use Abort to stop it. The returned channel yields
// exactly one Result.
func (s *Service) Start(ctx context.Context, req Request) (string, <-chan Result, error) {
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return "", nil, ErrEmptyDescription
	}

	apiKey, err := s.resolveCredential(ctx, req.Credential)
	if err != nil {
		return "", nil, err
	}
	provider, err := s.deps.Providers.NewProvider(upstream.Profile{
		Provider: s.cfg.Provider,
		APIKey:   apiKey,
		BaseURL:  s.cfg.BaseURL,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to create provider: %w", err)
	}

	sessCtx, cancel := context.WithCancel(tracing.Detach(ctx))
	id, err := s.register(cancel)
	if err != nil {
		cancel()
		return "", nil, err
	}
	sessCtx = tracing.NewSessionContext(sessCtx, id)
	if req.OnStart != nil {
		req.OnStart(id)
	}

	results := make(chan Result, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := s.run(sessCtx, id, description, provider, req.Sinks)
		s.unregister(id)
		cancel()
		results <- res
		close(results)
	}()

	return id, results, nil
}

// Generate runs a session to the end. Canceling ctx aborts the session.
func (s *Service) Generate(ctx context.Context, req Request) (Result, error) {
	id, results, err := s.Start(ctx, req)
	if err != nil {
		return Result{}, err
	}
	select {
	case res := <-results:
		return res, nil
	case <-ctx.Done():
		s.Abort(id)
		return <-results, nil
	}
}

// Abort cancels a running or queued session. It reports whether the session
// was active.
func (s *Service) Abort(id string) bool {
	s.mu.Lock()
	a, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.logger.Info().Str("session_id", id).Msg("Aborting session")
	a.cancel()
	return true
}

// Active returns the ids of running and queued sessions
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown aborts every session and waits for them to finish or ctx to end
func (s *Service) Shutdown(ctx context.Context) error {
	for _, id := range s.Active() {
		s.Abort(id)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveCredential picks the request credential, then the credential
// store, then the configured key.
func (s *Service) resolveCredential(ctx context.Context, credential string) (string, error) {
	if c := strings.TrimSpace(credential); c != "" {
		return c, nil
	}
	if s.deps.Credentials != nil {
		if v, ok := s.deps.Credentials.Get(ctx, s.cfg.Provider, "api_key"); ok {
			return v, nil
		}
	}
	if s.cfg.APIKey != "" {
		return s.cfg.APIKey, nil
	}
	return "", fmt.Errorf("%w: %s", ErrMissingCredential, s.cfg.Provider)
}

func (s *Service) register(cancel context.CancelFunc) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < 5; i++ {
		id, err := gonanoid.Generate(idAlphabet, idLength)
		if err != nil {
			return "", fmt.Errorf("failed to generate session id: %w", err)
		}
		if _, taken := s.active[id]; taken {
			continue
		}
		s.active[id] = &activeSession{cancel: cancel, started: time.Now()}
		observability.SetActiveSessions(len(s.active))
		return id, nil
	}
	return "", errors.New("failed to allocate a unique session id")
}

func (s *Service) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
	observability.SetActiveSessions(len(s.active))
}
