package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sgerhart/threatflux/internal/app"
	"github.com/sgerhart/threatflux/internal/config"
)

// Version is stamped at build time
var Version = "dev"

// Execute runs threatctl with the process arguments
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "threatctl",
		Short: "Operate the threatflux detection service",
		Long: `threatctl trains and inspects threatflux models, runs payloads through the
detection pipeline and manages the database schema. It reads the same environment
variables as the service.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate(fmt.Sprintf("threatctl version %s\n", Version))

	root.AddCommand(
		newTrainCmd(),
		newClassifyCmd(),
		newIngestCmd(),
		newMigrateCmd(),
		newHashPasswordCmd(),
	)
	return root
}

// loadApp builds the stack from the environment with logs on the command's error stream
func loadApp(cmd *cobra.Command) (*app.App, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.LogLevel}))
	a, err := app.New(commandContext(cmd), cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func discardLogger(cmd *cobra.Command) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
}
