package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"realtysync/internal/models"

	"github.com/spf13/cobra"
)

// NewConflictsCommand groups the conflict commands.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve halted writes",
	}
	cmd.AddCommand(newConflictsListCommand(rootOpts))
	cmd.AddCommand(newConflictsResolveCommand(rootOpts))
	return cmd
}

func newConflictsListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		all   bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			records, err := e.db.ListConflicts(cmd.Context(), !all, limit)
			if err != nil {
				return err
			}
			return render(cmd, rootOpts, records, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "ID\tTYPE\tKEY\tFIELD\tEXPECTED\tSHEET\tLOCAL\tRESOLUTION")
				for _, r := range records {
					resolution := "open"
					if r.Resolution != nil {
						resolution = *r.Resolution
					}
					for _, c := range r.Conflicts {
						fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
							r.ID, r.EntityType, r.EntityKey, c.FieldName,
							c.ExpectedValue, c.ActualSpreadsheetValue, c.LocalNewValue, resolution)
					}
				}
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	cmd.Flags().IntVar(&limit, "limit", models.DefaultPaginationSize, "maximum rows")
	return cmd
}

func newConflictsResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var resolution, operator string

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Close a conflict by keeping the database or the sheet value",
		Long: `Close a conflict.

  keep_local  queue a forced write of the database values
  keep_sheet  copy the sheet values into the database`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}

			e, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.app.Service.ResolveConflict(cmd.Context(), id, resolution, "", operator)
			if err != nil {
				return err
			}
			return render(cmd, rootOpts, res, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "entity:\t%s %s\n", res.Entity.Type, res.Entity.Key)
				fmt.Fprintf(w, "fields:\t%v\n", res.Changed)
				if res.TaskID != 0 {
					fmt.Fprintf(w, "queued task:\t%d\n", res.TaskID)
				}
			})
		},
	}

	cmd.Flags().StringVar(&resolution, "resolution", "", "keep_local or keep_sheet (required)")
	_ = cmd.MarkFlagRequired("resolution")
	cmd.Flags().StringVar(&operator, "as", "", "operator email recorded in the audit log")
	return cmd
}
