// Package main provides the perfstream-server binary: the aggregation
// service accepting profiling sessions from perfstream frontends.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/perfstream/perfstream/internal/cli"
	"github.com/perfstream/perfstream/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "perfstream-server",
		Short:         "perfstream aggregation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(cli.NewServerStartCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("perfstream-server version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}
