package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/perfstream/perfstream/internal/client"
	"github.com/perfstream/perfstream/internal/config"
	"github.com/perfstream/perfstream/internal/logging"
	"github.com/perfstream/perfstream/internal/profiler"
	"github.com/perfstream/perfstream/internal/safe"
)

type profileOptions struct {
	address      string
	streams      int
	resultDir    string
	serverBuffer int
	warmup       time.Duration
	startTimeout time.Duration
	postProcess  int
	filterPath   string
	filterMode   string
	mark         bool
	outDir       string
	sourcesFile  string
	quiet        bool

	name string
}

// NewProfileCmd creates the profile command: the requester side of one
// profiling session.
func NewProfileCmd() *cobra.Command {
	opts := &profileOptions{}
	cmd := &cobra.Command{
		Use:   "profile NAME",
		Short: "Run one profiling session against an aggregation service",
		Long: `Run one profiling session against an aggregation service.

NAME identifies the profiled program in the session and in the result
directory. The command requests the session, publishes the stream dial
instructions for the profiler wrappers via the ` + profiler.ConnectEnv + `
environment assignment on stdout, reports the profiling start time and,
when the service asks, ships raw output files and the source list.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.name = args[0]
			return runProfile(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.address, "address", "a", "127.0.0.1:5100", "aggregation service address (host:port)")
	flags.IntVarP(&opts.streams, "streams", "s", 1, "number of profiler data streams")
	flags.StringVarP(&opts.resultDir, "result-dir", "r", "", "result directory name (default NAME_<unix-time>)")
	flags.IntVar(&opts.serverBuffer, "server-buffer", 0, "framing buffer size in bytes (default from config)")
	flags.DurationVar(&opts.warmup, "warmup", 0, "delay between profiler readiness and the start timestamp")
	flags.DurationVar(&opts.startTimeout, "start-timeout", 0, "maximum wait for all profiler streams to connect (0 waits forever)")
	flags.IntVar(&opts.postProcess, "post-process", 1, "number of post-processing workers the profilers may use")
	flags.StringVarP(&opts.filterPath, "filter", "f", "", "stack filter definition file")
	flags.StringVar(&opts.filterMode, "mode", "deny", "stack filter mode (allow or deny)")
	flags.BoolVar(&opts.mark, "mark", false, "mark filtered stack frames instead of cutting them")
	flags.StringVarP(&opts.outDir, "out", "o", "", "directory of raw profiler output files to ship after the session")
	flags.StringVar(&opts.sourcesFile, "sources", "", "file listing source paths to archive server-side")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "log errors only")
	return cmd
}

func runProfile(ctx context.Context, opts *profileOptions) error {
	cfg, err := config.NewLoader().Load()
	if err != nil {
		return err
	}
	logCfg := logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogFormat == "pretty"}
	if opts.quiet {
		logCfg.Level = "error"
	}
	logger := logging.NewWithComponent(logCfg, "frontend")

	if opts.streams < 1 {
		return fmt.Errorf("--streams must be at least 1, got %d", opts.streams)
	}
	if err := boundPostProcess(opts.postProcess, logger); err != nil {
		return err
	}

	var filter *profiler.Filter
	if opts.filterPath != "" {
		mode := profiler.Mode(opts.filterMode)
		if mode != profiler.ModeAllow && mode != profiler.ModeDeny {
			return fmt.Errorf("--mode must be allow or deny, got %q", opts.filterMode)
		}
		if filter, err = profiler.ParseFilterFile(opts.filterPath, mode, opts.mark); err != nil {
			return err
		}
	}

	perfPath, err := cfg.ResolvePerfPath()
	if err != nil {
		return err
	}

	host, port, err := splitAddress(opts.address)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bufSize := opts.serverBuffer
	if bufSize <= 0 {
		bufSize = cfg.ServerBuffer
	}
	cl, err := client.Dial(ctx, host, port, bufSize, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cl.Close() }()

	resultDir := opts.resultDir
	if resultDir == "" {
		resultDir = fmt.Sprintf("%s_%d", sanitizeName(opts.name), time.Now().Unix())
	}

	transportType, instructions, err := cl.StartSession(opts.streams, resultDir, opts.name)
	if err != nil {
		return err
	}

	// The profiler wrappers pick the dial instructions up from stdout.
	fmt.Printf("%s=%q\n", profiler.ConnectEnv, profiler.ConnectValue(transportType, instructions))
	logger.Info().Str("perf", perfPath).Int("streams", opts.streams).
		Int("workers", opts.postProcess).Msg("Waiting for profiler streams")
	if filter != nil {
		logger.Debug().Str("mode", string(filter.Mode)).Bool("mark", filter.Mark).
			Int("groups", len(filter.Groups)).Msg("Stack filter active")
	}

	if err := cl.WaitForStart(opts.startTimeout); err != nil {
		return err
	}
	if opts.warmup > 0 {
		logger.Info().Dur("warmup", opts.warmup).Msg("Warming up")
		select {
		case <-time.After(opts.warmup):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	tstamp, err := monotonicNow()
	if err != nil {
		return fmt.Errorf("read monotonic clock: %w", err)
	}
	if err := cl.ReportStartTimestamp(tstamp); err != nil {
		return err
	}
	logger.Info().Msg("Profiling started")

	ch, err := cl.Finish()
	if err != nil {
		return err
	}
	if ch == nil {
		logger.Info().Str("dir", resultDir).Msg("Profiling finished, results stored on the service")
		return nil
	}

	if err := sendOutFiles(cl, ch, opts.outDir, logger); err != nil {
		return err
	}
	if err := sendSources(cl, ch, opts.sourcesFile, logger); err != nil {
		return err
	}
	if err := cl.Done(); err != nil {
		return err
	}
	logger.Info().Str("dir", resultDir).Msg("Profiling finished")
	return nil
}

// boundPostProcess keeps the worker count within the machine's logical
// CPUs.
func boundPostProcess(workers int, logger zerolog.Logger) error {
	if workers < 0 {
		return fmt.Errorf("--post-process must not be negative, got %d", workers)
	}
	cpus, err := cpu.Counts(true)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not determine the logical CPU count")
		return nil
	}
	if workers > cpus {
		return fmt.Errorf("--post-process %d exceeds the %d logical CPUs", workers, cpus)
	}
	return nil
}

func sendOutFiles(cl *client.Client, ch *client.FileChannel, dir string, logger zerolog.Logger) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read output directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		verdict, err := cl.SendFile(ch, false, entry.Name(), filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if verdict != "out_file_ok" {
			logger.Warn().Str("file", entry.Name()).Str("verdict", verdict).
				Msg("Service did not accept the output file")
		}
	}
	return nil
}

func sendSources(cl *client.Client, ch *client.FileChannel, listPath string, logger zerolog.Logger) error {
	if listPath == "" {
		return nil
	}
	data, err := safe.ReadFile(listPath, nil)
	if err != nil {
		return fmt.Errorf("read source list: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	verdict, err := cl.SendSourceList(ch, paths)
	if err != nil {
		return err
	}
	if verdict != "out_file_ok" {
		logger.Warn().Str("verdict", verdict).Msg("Service did not accept the source list")
	}
	return nil
}

func splitAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in address %q", addr)
	}
	return host, port, nil
}

// sanitizeName maps a profiled name to something usable as a directory
// component.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ':
			return '_'
		}
		return r
	}, name)
}

func monotonicNow() (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, err
	}
	return uint64(ts.Nano()), nil
}
