package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"realtysync/internal/models"

	"github.com/spf13/cobra"
)

type FailedOptions struct {
	*RootOptions
	EntityType string
	EntityKey  string
	Limit      int
}

// NewFailedCommand groups the failed-change commands.
func NewFailedCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List and replay field writes that exhausted their retries",
	}
	cmd.AddCommand(newFailedListCommand(rootOpts))
	cmd.AddCommand(newFailedReplayCommand(rootOpts))
	return cmd
}

func newFailedListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FailedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List failed changes, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var t models.EntityType
			if opts.EntityType != "" {
				parsed, err := models.ParseEntityType(opts.EntityType)
				if err != nil {
					return err
				}
				t = parsed
			}

			e, err := openStore(opts.RootOptions)
			if err != nil {
				return err
			}
			defer e.Close()

			records, err := e.db.ListFailedChanges(cmd.Context(), t, opts.EntityKey, opts.Limit)
			if err != nil {
				return err
			}
			return render(cmd, opts.RootOptions, records, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "ID\tTYPE\tKEY\tFIELD\tNEW VALUE\tRETRIES\tLAST ERROR")
				for _, r := range records {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
						r.ID, r.EntityType, r.EntityKey, r.FieldName, deref(r.NewValue), r.RetryCount, deref(r.LastError))
				}
			})
		},
	}

	cmd.Flags().StringVar(&opts.EntityType, "type", "", "seller or buyer")
	cmd.Flags().StringVar(&opts.EntityKey, "key", "", "business key")
	cmd.Flags().IntVar(&opts.Limit, "limit", models.DefaultPaginationSize, "maximum rows")
	return cmd
}

func newFailedReplayCommand(rootOpts *RootOptions) *cobra.Command {
	var operator string

	cmd := &cobra.Command{
		Use:   "replay <id>",
		Short: "Write the field's current value to the sheet and drop the record on success",
		Args:  cobra.ExactArgs(1),
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

			res, err := e.app.Service.ReplayFailedChange(cmd.Context(), id, "", operator)
			if err != nil {
				return err
			}
			return render(cmd, rootOpts, res, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "success:\t%t\n", res.Success)
				fmt.Fprintf(w, "status:\t%s\n", res.SyncStatus)
				fmt.Fprintf(w, "attempts:\t%d\n", res.Attempts)
				if res.Error != "" {
					fmt.Fprintf(w, "error:\t%s\n", res.Error)
				}
			})
		},
	}

	cmd.Flags().StringVar(&operator, "as", "", "operator email recorded in the audit log")
	return cmd
}
