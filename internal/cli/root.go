// Package cli builds the cobra command trees for the perfstream binaries.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/perfstream/perfstream/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "perfstream",
	Short: "perfstream - profiling session frontend",
	Long: `Drive a profiling session against a perfstream aggregation service.

The frontend negotiates the session protocol: it requests a session,
hands the advertised dial instructions to the sampling profilers,
reports the profiling start time, and ships result files back once
profiling ends. Launching the sampling tool itself is left to the
profiler wrappers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(NewProfileCmd())
	rootCmd.AddCommand(newVersionCmd("perfstream"))
}

func newVersionCmd(name string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("%s version %s\n", name, version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the frontend root command.
func Execute() error {
	return rootCmd.Execute()
}
