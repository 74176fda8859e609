// Package cli implements the ctdrr command-line interface.
//
// # Commands
//
//   - run: build a CT/DRR dataset from a directory of NIfTI volumes
//   - geometry: print the acquisition geometry derived for a volume size
//   - config init: write a default configuration file
//   - history: list recent case outcomes from the run ledger
//
// Configuration is layered: defaults, then the YAML file given by --config
// (or ctdrr.yaml in the working directory), then CTDRR_ environment
// variables, then explicitly set flags.
//
// # Logging
//
// All commands support --verbose (-v) for debug-level logging. Loggers are
// passed through context.Context.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"ctdrr/internal/logging"
)

var (
	version = "dev" // set by SetVersion
	commit  string
	date    string
)

// SetVersion sets the version information displayed by --version.
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
}

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	verbose    bool
}

// Execute runs the ctdrr CLI.
func Execute() error {
	return newRootCmd().ExecuteContext(context.Background())
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "ctdrr",
		Short:        "ctdrr turns CT volumes into multi-view DRR datasets",
		Long:         `ctdrr normalizes CT volumes, derives a source/detector geometry from their physical extent and renders digitally reconstructed radiographs across an angle sweep, writing paired CT/DRR cases.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := log.InfoLevel
			if opts.verbose {
				level = log.DebugLevel
			}
			cmd.SetContext(logging.WithLogger(cmd.Context(), logging.New(cmd.ErrOrStderr(), level)))
		},
	}

	root.SetVersionTemplate(fmt.Sprintf("ctdrr %s\ncommit: %s\nbuilt: %s\n", version, commit, date))
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./ctdrr.yaml when present)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newGeometryCmd(opts))
	root.AddCommand(newConfigCmd())
	root.AddCommand(newHistoryCmd(opts))

	return root
}

// applyLogLevel aligns the context logger with the configured level unless
// --verbose already asked for debug output.
func applyLogLevel(ctx context.Context, opts *rootOptions, level string) *log.Logger {
	logger := logging.FromContext(ctx)
	if !opts.verbose {
		logger.SetLevel(logging.ParseLevel(level))
	}
	return logger
}

// fileExists reports whether path names an existing file or directory.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
