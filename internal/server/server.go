// Package server runs the aggregation service: it accepts control
// connections and drives one profiling session per connection, bounded by
// a configurable session limit.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/perfstream/perfstream/internal/errors"
	"github.com/perfstream/perfstream/internal/session"
	"github.com/perfstream/perfstream/internal/transport"
)

// Config carries the service settings.
type Config struct {
	// Host is the address the control listener binds to; subclient and
	// file acceptors bind to it as well.
	Host string

	// Port is the control port. Zero picks an ephemeral port.
	Port int

	// ProbePorts moves to the next port when Port is taken instead of
	// failing with transport.ErrAlreadyInUse.
	ProbePorts bool

	// BufSize is the framing buffer capacity for control and subclient
	// connections. Zero means 1024.
	BufSize int

	// MaxSessions bounds the number of concurrently running sessions.
	// Further control connections wait until a slot frees. Zero means 1.
	MaxSessions int

	// WorkDir is the directory per-session result directories are
	// created under.
	WorkDir string

	// FileTransfer enables the file-transfer stage after each session's
	// aggregation.
	FileTransfer bool

	// FileTimeout bounds each raw read during a file transfer. Zero
	// means 30 seconds.
	FileTimeout time.Duration

	// SessionTimeout optionally bounds each whole session. Zero leaves
	// sessions unbounded.
	SessionTimeout time.Duration

	Logger zerolog.Logger
}

// Server accepts control connections and runs profiling sessions.
type Server struct {
	cfg      Config
	acceptor *transport.TCPAcceptor
	logger   zerolog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// New binds the control listener. The server does not accept connections
// until Serve is called.
func New(cfg Config) (*Server, error) {
	if cfg.BufSize <= 0 {
		cfg.BufSize = 1024
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	if cfg.FileTimeout <= 0 {
		cfg.FileTimeout = 30 * time.Second
	}
	acceptor, err := transport.NewTCPAcceptor(cfg.Host, cfg.Port, cfg.ProbePorts)
	if err != nil {
		return nil, fmt.Errorf("bind control listener: %w", err)
	}
	return &Server{
		cfg:      cfg,
		acceptor: acceptor,
		logger:   cfg.Logger.With().Str("component", "server").Logger(),
		sem:      make(chan struct{}, cfg.MaxSessions),
	}, nil
}

// Port returns the control port actually bound.
func (s *Server) Port() int { return s.acceptor.Port() }

// Serve accepts control connections until ctx is canceled, running one
// session per connection. It returns once every running session has
// finished.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.acceptor.Close() })
	defer stop()

	s.logger.Info().Str("host", s.cfg.Host).Int("port", s.Port()).
		Int("max_sessions", s.cfg.MaxSessions).Msg("Accepting profiling sessions")

	for {
		conn, err := s.acceptor.Accept(s.cfg.BufSize, 0)
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			s.wg.Wait()
			return nil
		}
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

// handle runs one session. Session failures are logged, never fatal to
// the accept loop.
func (s *Server) handle(ctx context.Context, conn transport.Conn) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	defer errors.DeferClose(s.logger, conn, "failed to close control connection")

	cfg := session.Config{
		WorkDir:        s.cfg.WorkDir,
		Factory:        &session.TCPFactory{Host: s.cfg.Host, Logger: s.logger},
		BufSize:        s.cfg.BufSize,
		FileTimeout:    s.cfg.FileTimeout,
		SessionTimeout: s.cfg.SessionTimeout,
		Logger:         s.logger,
	}
	if s.cfg.FileTransfer {
		fileAcceptor, err := transport.NewTCPAcceptor(s.cfg.Host, 0, false)
		if err != nil {
			s.logger.Error().Err(err).Msg("Could not bind the file acceptor")
			return
		}
		defer errors.DeferClose(s.logger, fileAcceptor, "failed to close file acceptor")
		cfg.FileAcceptor = fileAcceptor
	}

	if err := session.New(conn, cfg).Process(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Session failed")
	}
}
