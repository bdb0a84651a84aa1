// Package session implements the profiling session protocol: the
// coordinator state machine driving one control connection, the subclients
// owning per-profiler data streams, the result aggregator, and the
// file-transfer stage shipping result files back to the requester.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/perfstream/perfstream/internal/transport"
)

// Subclient owns one profiler's data connection within a session.
type Subclient interface {
	// Process accepts the profiler's connection, reports it to the
	// session barrier, and consumes the data stream into the result
	// fragment.
	Process(ctx context.Context) error

	// ConnectionInstructions returns the dial string for this
	// subclient's acceptor.
	ConnectionInstructions() string

	// Result returns the raw JSON result fragment. Valid once Process
	// has returned.
	Result() []byte

	// Close releases the subclient's acceptor and any accepted
	// connection, unblocking a pending Process call at either stage.
	Close() error
}

// Notifier receives the "accepted" signal once a subclient's peer has
// connected.
type Notifier interface {
	NotifyAccepted()
}

// Factory creates subclients bound to fresh acceptors.
type Factory interface {
	Make(notifier Notifier, profiledName string, bufSize int) (Subclient, error)

	// Type returns the transport tag peers use to dial the acceptors of
	// the subclients this factory makes.
	Type() string
}

// StreamSubclient accepts exactly one profiler connection and folds its
// newline-delimited JSON event stream into the result fragment until the
// peer sends "<STOP>" or closes. Each event is an object whose top-level
// keys are fragment categories (syscall_meta, syscall, sample...); a
// category is carried whole by a single event.
type StreamSubclient struct {
	acceptor      transport.Acceptor
	notifier      Notifier
	profiledName  string
	bufSize       int
	acceptTimeout time.Duration
	result        []byte
	logger        zerolog.Logger

	mu     sync.Mutex
	conn   transport.Conn
	closed bool
}

// NewStreamSubclient wires a subclient to an acceptor it takes ownership of.
func NewStreamSubclient(acceptor transport.Acceptor, notifier Notifier, profiledName string,
	bufSize int, acceptTimeout time.Duration, logger zerolog.Logger) *StreamSubclient {
	return &StreamSubclient{
		acceptor:      acceptor,
		notifier:      notifier,
		profiledName:  profiledName,
		bufSize:       bufSize,
		acceptTimeout: acceptTimeout,
		result:        []byte("{}"),
		logger:        logger.With().Str("component", "subclient").Logger(),
	}
}

// ConnectionInstructions returns the dial string of the owned acceptor.
func (s *StreamSubclient) ConnectionInstructions() string {
	return s.acceptor.ConnectionInstructions()
}

// Result returns the accumulated raw JSON fragment.
func (s *StreamSubclient) Result() []byte { return s.result }

// Close releases the acceptor and, once a profiler has connected, its
// connection. A Process call blocked at either stage returns promptly.
func (s *StreamSubclient) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	err := s.acceptor.Close()
	if conn != nil {
		_ = conn.Close()
	}
	return err
}

// Process blocks until the profiler connects, signals the barrier, then
// consumes events until "<STOP>" or peer close.
func (s *StreamSubclient) Process(ctx context.Context) error {
	conn, err := s.acceptor.Accept(s.bufSize, s.acceptTimeout)
	if err != nil {
		return fmt.Errorf("subclient accept: %w", err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return transport.ErrClosed
	}
	s.conn = conn
	s.mu.Unlock()
	defer func() { _ = conn.Close() }()

	// Cancellation closes the connection so the blocking read below never
	// outlives the session.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.logger.Debug().Str("profiled", s.profiledName).Msg("Profiler connected")
	s.notifier.NotifyAccepted()

	for {
		msg, err := conn.ReadMessage(0)
		if errors.Is(err, transport.ErrClosed) {
			return nil
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return transport.ErrClosed
			}
			return fmt.Errorf("subclient read: %w", err)
		}
		if msg == stopToken {
			return nil
		}
		if msg == "" {
			continue
		}
		if err := s.fold(msg); err != nil {
			return err
		}
	}
}

// fold merges one event's categories into the fragment as raw JSON.
func (s *StreamSubclient) fold(msg string) error {
	event := gjson.Parse(msg)
	if !event.IsObject() {
		s.logger.Warn().Str("msg", msg).Msg("Skipping malformed profiler event")
		return nil
	}
	var ferr error
	event.ForEach(func(key, value gjson.Result) bool {
		out, err := sjson.SetRawBytes(s.result, escapePath(key.String()), []byte(value.Raw))
		if err != nil {
			ferr = fmt.Errorf("merge event category %q: %w", key.String(), err)
			return false
		}
		s.result = out
		return true
	})
	return ferr
}

// TCPFactory creates subclients listening on ephemeral ports.
type TCPFactory struct {
	// Host is the address subclient acceptors bind to and advertise.
	Host string
	// AcceptTimeout bounds the wait for a profiler to dial in; zero
	// waits indefinitely.
	AcceptTimeout time.Duration
	Logger        zerolog.Logger
}

// Make binds a fresh TCP acceptor for one subclient.
func (f *TCPFactory) Make(notifier Notifier, profiledName string, bufSize int) (Subclient, error) {
	acc, err := transport.NewTCPAcceptor(f.Host, 0, false)
	if err != nil {
		return nil, err
	}
	return NewStreamSubclient(acc, notifier, profiledName, bufSize, f.AcceptTimeout, f.Logger), nil
}

// Type returns the TCP transport tag.
func (f *TCPFactory) Type() string { return transport.TypeTCP }

// PipeFactory creates subclients over same-host pipe pairs.
type PipeFactory struct {
	AcceptTimeout time.Duration
	Logger        zerolog.Logger
}

// Make creates a fresh pipe pair for one subclient.
func (f *PipeFactory) Make(notifier Notifier, profiledName string, bufSize int) (Subclient, error) {
	acc, err := transport.NewPipeAcceptor()
	if err != nil {
		return nil, err
	}
	return NewStreamSubclient(acc, notifier, profiledName, bufSize, f.AcceptTimeout, f.Logger), nil
}

// Type returns the pipe transport tag.
func (f *PipeFactory) Type() string { return transport.TypePipe }
