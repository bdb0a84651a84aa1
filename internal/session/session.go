package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/perfstream/perfstream/internal/transport"
)

// Control protocol literals. Every message is newline-terminated on the
// wire; the framer strips the delimiter.
const (
	msgStartProfile      = "start_profile"
	msgTstampAck         = "tstamp_ack"
	msgProfilingFinished = "profiling_finished"
	msgOutFiles          = "out_files"
	msgFinished          = "finished"
	msgOutFileOK         = "out_file_ok"

	errWrongCommand    = "error_wrong_command"
	errResultDir       = "error_result_dir"
	errTstamp          = "error_tstamp"
	errWrongFileFormat = "error_wrong_file_format"
	errOutFile         = "error_out_file"
	errOutFileTimeout  = "error_out_file_timeout"

	stopToken = "<STOP>"

	// codePathsName is the reserved file-transfer name whose payload is a
	// source-file list rather than literal file contents.
	codePathsName = "code_paths.lst"
)

var (
	startRe  = regexp.MustCompile(`^start([1-9]\d*) (.+)$`)
	tstampRe = regexp.MustCompile(`^\d+$`)
)

// Config carries the per-session settings the coordinator needs.
type Config struct {
	// WorkDir is the directory result directories are created under.
	WorkDir string

	// Factory creates the session's subclients.
	Factory Factory

	// BufSize is the framing buffer capacity handed to subclient
	// connections. Zero means 1024.
	BufSize int

	// FileAcceptor, when set, enables the file-transfer stage after
	// aggregation. Its Accept is serialized by the transfer loop.
	FileAcceptor transport.Acceptor

	// FileTimeout bounds each raw read during a file transfer. A timeout
	// abandons that one transfer, not the session.
	FileTimeout time.Duration

	// SessionTimeout optionally bounds the whole session. Zero keeps the
	// historical behavior: a hung subclient stalls the session forever.
	SessionTimeout time.Duration

	Logger zerolog.Logger
}

// Coordinator drives one profiling session over a control connection:
// start negotiation, result-directory preparation, subclient fan-out, the
// all-or-nothing readiness barrier, the timestamp handshake, result
// aggregation, and the optional file-transfer stage.
type Coordinator struct {
	conn   transport.Conn
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	accepted int

	profileStart   bool
	startTimestamp uint64
}

// New creates a coordinator for one control connection.
func New(conn transport.Conn, cfg Config) *Coordinator {
	if cfg.BufSize <= 0 {
		cfg.BufSize = 1024
	}
	c := &Coordinator{
		conn: conn,
		cfg:  cfg,
		logger: cfg.Logger.With().
			Str("component", "session").
			Str("session", uuid.NewString()).
			Logger(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// NotifyAccepted records one subclient's peer as connected and wakes the
// barrier. The counter update and the wakeup are atomic with respect to
// the barrier check.
func (c *Coordinator) NotifyAccepted() {
	c.mu.Lock()
	c.accepted++
	c.mu.Unlock()
	c.cond.Broadcast()
}

// StartTimestamp returns the session start time reported by the requester,
// and whether it has been received yet.
func (c *Coordinator) StartTimestamp() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startTimestamp, c.profileStart
}

// Process runs the session to completion. Protocol-level rejections
// (malformed start command, unusable result directory, bad timestamp) are
// reported to the peer and end the session cleanly; transport failures and
// any other unexpected error propagate to the caller. Sessions are never
// retried here.
func (c *Coordinator) Process(ctx context.Context) error {
	if c.cfg.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.SessionTimeout)
		defer cancel()
	}

	msg, err := c.conn.ReadMessage(0)
	if err != nil {
		return fmt.Errorf("read start command: %w", err)
	}
	m := startRe.FindStringSubmatch(msg)
	if m == nil {
		c.logger.Warn().Str("msg", msg).Msg("Malformed start command")
		return c.conn.WriteMessage(errWrongCommand, true)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return c.conn.WriteMessage(errWrongCommand, true)
	}
	resultDir := m[2]

	resultPath := filepath.Join(c.cfg.WorkDir, resultDir)
	processedPath := filepath.Join(resultPath, "processed")
	outPath := filepath.Join(resultPath, "out")
	if err := makeResultDirs(resultPath, processedPath, outPath); err != nil {
		c.logger.Error().Err(err).Str("dir", resultDir).Msg("Could not create result directories")
		return c.conn.WriteMessage(errResultDir, true)
	}

	profiledName, err := c.conn.ReadMessage(0)
	if err != nil {
		return fmt.Errorf("read profiled name: %w", err)
	}

	c.logger.Info().Int("subclients", n).Str("dir", resultDir).
		Str("profiled", profiledName).Msg("Session started")

	subclients := make([]Subclient, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range subclients {
		sc, err := c.cfg.Factory.Make(c, profiledName, c.cfg.BufSize)
		if err != nil {
			closeSubclients(subclients[:i])
			return fmt.Errorf("create subclient: %w", err)
		}
		subclients[i] = sc
		g.Go(func() error { return sc.Process(gctx) })
	}
	// Closing the acceptors unblocks any subclient still waiting for its
	// peer when the session ends early.
	defer closeSubclients(subclients)

	instr := c.cfg.Factory.Type()
	for _, sc := range subclients {
		instr += " " + sc.ConnectionInstructions()
	}
	if err := c.conn.WriteMessage(instr, true); err != nil {
		return err
	}

	if err := c.waitAccepted(ctx, n); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(msgStartProfile, true); err != nil {
		return err
	}

	tstampMsg, err := c.conn.ReadMessage(0)
	if err != nil {
		return fmt.Errorf("read timestamp: %w", err)
	}
	if !tstampRe.MatchString(tstampMsg) {
		c.logger.Warn().Str("msg", tstampMsg).Msg("Wrong session start timestamp received")
		return c.conn.WriteMessage(errTstamp, true)
	}
	tstamp, err := strconv.ParseUint(tstampMsg, 10, 64)
	if err != nil {
		c.logger.Warn().Str("msg", tstampMsg).Msg("Wrong session start timestamp received")
		return c.conn.WriteMessage(errTstamp, true)
	}
	c.mu.Lock()
	c.startTimestamp = tstamp
	c.profileStart = true
	c.mu.Unlock()
	if err := c.conn.WriteMessage(msgTstampAck, true); err != nil {
		return err
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("subclient failed: %w", err)
	}

	// Two passes so a thread known to any subclient's syscall tree is
	// never synthesized from another subclient's samples.
	agg := newAggregate(c.logger)
	for _, sc := range subclients {
		if err := agg.addSyscalls(sc.Result()); err != nil {
			return fmt.Errorf("aggregate results: %w", err)
		}
	}
	for _, sc := range subclients {
		if err := agg.addSamples(sc.Result()); err != nil {
			return fmt.Errorf("aggregate results: %w", err)
		}
	}
	if err := agg.rebaseOffCPU(tstamp); err != nil {
		return fmt.Errorf("rebase off-cpu regions: %w", err)
	}
	if err := agg.writeFiles(processedPath); err != nil {
		return fmt.Errorf("write result files: %w", err)
	}

	if c.cfg.FileAcceptor == nil {
		c.logger.Info().Msg("Session finished")
		return c.conn.WriteMessage(msgProfilingFinished, true)
	}
	if err := c.transferFiles(outPath, processedPath); err != nil {
		return err
	}
	c.logger.Info().Msg("Session finished")
	return c.conn.WriteMessage(msgFinished, true)
}

// waitAccepted blocks until all n subclients have signalled readiness.
// The release is all-or-nothing: n-1 signals never release the barrier.
func (c *Coordinator) waitAccepted(ctx context.Context, n int) error {
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, c.cond.Broadcast)
		defer stop()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.accepted < n {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}

func makeResultDirs(paths ...string) error {
	for _, p := range paths {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func closeSubclients(subclients []Subclient) {
	for _, sc := range subclients {
		if sc != nil {
			_ = sc.Close()
		}
	}
}
