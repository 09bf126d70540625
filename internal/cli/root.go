// Package cli implements syncctl, the operator tool for the sync backlog.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"realtysync/internal/app"
	"realtysync/internal/config"
	"realtysync/internal/database"
	"realtysync/internal/logging"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the syncctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Inspect and repair seller/buyer spreadsheet sync",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/config.yaml"
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfig, "path to config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewFailedCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))
	cmd.AddCommand(NewKeysCommand(opts))
	cmd.AddCommand(NewInitialsCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// env is what a command runs against. Store-only commands leave App nil.
type env struct {
	cfg    *config.Config
	logger *zerolog.Logger
	db     *database.DB
	app    *app.App
	closer io.Closer
}

func (e *env) Close() {
	if e.app != nil {
		_ = e.app.Close()
	} else if e.db != nil {
		_ = e.db.Close()
	}
	if e.closer != nil {
		_ = e.closer.Close()
	}
}

// openStore loads config and opens only the database.
func openStore(opts *RootOptions) (*env, error) {
	cfg, logger, closer, err := app.LoadConfigAndLogger(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	db, err := database.NewDB(cfg.Database, logging.Component(logger, "database"))
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("init database: %w", err)
	}
	return &env{cfg: cfg, logger: logger, db: db, closer: closer}, nil
}

// openApp wires the full pipeline, spreadsheet included.
func openApp(ctx context.Context, opts *RootOptions) (*env, error) {
	cfg, logger, closer, err := app.LoadConfigAndLogger(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, db: a.DB, app: a, closer: closer}, nil
}

// render prints v as JSON, or calls text for the table form.
func render(cmd *cobra.Command, opts *RootOptions, v any, text func(w *tabwriter.Writer)) error {
	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	text(w)
	return w.Flush()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
