package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/perfstream/perfstream/internal/config"
	"github.com/perfstream/perfstream/internal/logging"
	"github.com/perfstream/perfstream/internal/server"
)

type serverOptions struct {
	host         string
	port         int
	probe        bool
	buffer       int
	maxSessions  int
	workDir      string
	fileTransfer bool
}

// NewServerStartCmd creates the aggregation service's start command.
func NewServerStartCmd() *cobra.Command {
	opts := &serverOptions{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the aggregation service",
		Long: `Start the aggregation service.

The service accepts control connections, runs one profiling session per
connection, and stores aggregated results under the working directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.host, "host", "127.0.0.1", "address to listen on")
	flags.IntVarP(&opts.port, "port", "p", 5100, "control port")
	flags.BoolVar(&opts.probe, "probe", false, "probe subsequent ports when the control port is taken")
	flags.IntVarP(&opts.buffer, "buffer", "b", 0, "framing buffer size in bytes (default from config)")
	flags.IntVarP(&opts.maxSessions, "max-sessions", "m", 1, "maximum number of concurrent sessions")
	flags.StringVarP(&opts.workDir, "work-dir", "w", ".", "directory result directories are created under")
	flags.BoolVar(&opts.fileTransfer, "file-transfer", true, "offer the result file-transfer stage to requesters")
	return cmd
}

func runServer(cmd *cobra.Command, opts *serverOptions) error {
	cfg, err := config.NewLoader().Load()
	if err != nil {
		return err
	}
	logger := logging.NewWithComponent(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogFormat == "pretty",
	}, "perfstream-server")

	workDir, err := filepath.Abs(opts.workDir)
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}

	bufSize := opts.buffer
	if bufSize <= 0 {
		bufSize = cfg.ServerBuffer
	}
	srv, err := server.New(server.Config{
		Host:           opts.host,
		Port:           opts.port,
		ProbePorts:     opts.probe,
		BufSize:        bufSize,
		MaxSessions:    opts.maxSessions,
		WorkDir:        workDir,
		FileTransfer:   opts.fileTransfer,
		FileTimeout:    cfg.FileTimeout,
		SessionTimeout: cfg.SessionTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Serve(ctx)
}
