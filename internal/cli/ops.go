package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"realtysync/internal/columns"
	"realtysync/internal/database"
	"realtysync/internal/export"
	"realtysync/internal/logging"
	"realtysync/internal/models"

	"github.com/spf13/cobra"
)

func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write failed changes and conflicts to an Excel workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			path, err := export.NewExporter(e.db, e.cfg.Exports.Path, logging.Component(e.logger, "export")).Export(cmd.Context(), !all)
			if err != nil {
				return err
			}
			return render(cmd, rootOpts, map[string]string{"path": path}, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "written:\t%s\n", path)
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	return cmd
}

func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Copy the sqlite database to backup.storage_path",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			svc := database.NewBackupService(e.db, e.cfg.Backup, logging.Component(e.logger, "backup"))
			path, err := svc.PerformBackup(cmd.Context())
			if err != nil {
				return err
			}
			svc.CleanupOldBackups()
			return render(cmd, rootOpts, map[string]string{"path": path}, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "written:\t%s\n", path)
			})
		},
	}
}

// NewKeysCommand groups business key maintenance.
func NewKeysCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the business key sequences",
	}
	cmd.AddCommand(newKeysSeedCommand(rootOpts))
	return cmd
}

func newKeysSeedCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		entityType string
		value      int64
		fromSheet  bool
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Raise a key sequence so new keys do not collide with existing sheet rows",
		Long: `Raise a key sequence. The sequence never moves backwards.

Examples:
  syncctl keys seed --type seller --value 1200
  syncctl keys seed --type buyer --from-sheet`,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := models.ParseEntityType(entityType)
			if err != nil {
				return err
			}
			if !fromSheet && value <= 0 {
				return fmt.Errorf("either --value or --from-sheet is required")
			}

			ctx := cmd.Context()
			var e *env
			if fromSheet {
				e, err = openApp(ctx, rootOpts)
			} else {
				e, err = openStore(rootOpts)
			}
			if err != nil {
				return err
			}
			defer e.Close()

			if fromSheet {
				client := e.app.Sellers
				if t == models.EntityBuyer {
					client = e.app.Buyers
				}
				if value, err = maxSheetKey(ctx, client, t); err != nil {
					return err
				}
			}

			if err := e.db.SeedKeySequence(ctx, t, value); err != nil {
				return err
			}
			current, err := e.db.CurrentKeySequence(ctx, t)
			if err != nil {
				return err
			}
			out := map[string]any{"type": t, "sequence": current, "next_key": t.FormatKey(current + 1)}
			return render(cmd, rootOpts, out, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "sequence:\t%d\n", current)
				fmt.Fprintf(w, "next key:\t%s\n", t.FormatKey(current+1))
			})
		},
	}

	cmd.Flags().StringVar(&entityType, "type", "", "seller or buyer (required)")
	_ = cmd.MarkFlagRequired("type")
	cmd.Flags().Int64Var(&value, "value", 0, "sequence value to raise to")
	cmd.Flags().BoolVar(&fromSheet, "from-sheet", false, "use the highest key found on the sheet")
	return cmd
}

type rowReader interface {
	ReadAll(ctx context.Context) ([]models.SheetRow, error)
}

// maxSheetKey returns the highest numeric part of the keys on the sheet.
func maxSheetKey(ctx context.Context, client rowReader, t models.EntityType) (int64, error) {
	rows, err := client.ReadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("read sheet: %w", err)
	}
	header := columns.ForEntity(t).KeyHeader()

	var highest int64
	for _, row := range rows {
		raw := strings.TrimSpace(row.Values[header])
		if t == models.EntitySeller {
			raw = strings.TrimPrefix(strings.ToUpper(raw), "AA")
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest, nil
}

func NewInitialsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "initials",
		Short: "Reload staff initials from the staff sheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.app.Initials.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, rootOpts, map[string]int{"loaded": n}, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "loaded:\t%d\n", n)
			})
		},
	}
}
