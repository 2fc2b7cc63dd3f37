package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/DEEJ4Y/warden"
	"github.com/spf13/cobra"
)

func newScheduleCmd(opts *rootOptions) *cobra.Command {
	var (
		payload     string
		payloadFile string
		at          string
		recurrence  string
		timezone    string
	)
	cmd := &cobra.Command{
		Use:   "schedule <process>",
		Short: "Add a job for a configured process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := []byte(payload)
			if payloadFile != "" {
				var err error
				if payloadFile == "-" {
					data, err = io.ReadAll(cmd.InOrStdin())
				} else {
					data, err = os.ReadFile(payloadFile)
				}
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
			}

			sopts := warden.ScheduleOptions{Recurrence: recurrence, Timezone: timezone}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				sopts.RunAt = &t
			}

			return withSession(cmd.Context(), opts, func(ctx context.Context, sess *session) error {
				rec, err := sess.engine.Schedule(ctx, args[0], data, sopts)
				if err != nil {
					return err
				}
				fmt.Fprintf(opts.out, "%s\t%s\t%s\n", rec.ID, rec.Name, formatTime(rec.NextRunAt))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "job payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "read the payload from a file (- for stdin)")
	cmd.Flags().StringVar(&at, "at", "", "first run time (RFC3339)")
	cmd.Flags().StringVar(&recurrence, "cron", "", "recurrence expression")
	cmd.Flags().StringVar(&timezone, "tz", "", "IANA timezone for the recurrence")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>...",
		Short: "Cancel live jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), opts, func(ctx context.Context, sess *session) error {
				for _, id := range args {
					if err := sess.engine.Cancel(ctx, id); err != nil {
						return err
					}
					fmt.Fprintf(opts.out, "cancelled %s\n", id)
				}
				return nil
			})
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		process  string
		id       string
		statuses []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := warden.ListQuery{ProcessName: process, JobID: id}
			for _, s := range statuses {
				q.Statuses = append(q.Statuses, warden.Status(strings.ToLower(strings.TrimSpace(s))))
			}
			return withSession(cmd.Context(), opts, func(ctx context.Context, sess *session) error {
				recs, err := sess.engine.ListJobs(ctx, q)
				if err != nil {
					return err
				}
				return writeJobs(opts.out, recs)
			})
		},
	}
	cmd.Flags().StringVar(&process, "process", "", "only jobs of this process")
	cmd.Flags().StringVar(&id, "id", "", "only the job with this id")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "statuses to include (default created,pending,running)")
	return cmd
}

// withSession runs fn against an engine whose processes have no workers.
func withSession(ctx context.Context, opts *rootOptions, fn func(context.Context, *session) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, log, err := loadOneShot(opts)
	if err != nil {
		return err
	}
	sess, err := openSession(ctx, cfg, log, false)
	if err != nil {
		return err
	}
	defer sess.Close(context.Background())
	return fn(ctx, sess)
}

func writeJobs(w io.Writer, recs []warden.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROCESS\tSTATUS\tRETRIES\tNEXT RUN\tLAST RUN\tRECURRENCE")
	for _, r := range recs {
		last := "-"
		if r.LastRunAt != nil {
			last = formatTime(r.LastRunAt)
			if r.LastRunResult != nil {
				last += " (" + string(*r.LastRunResult) + ")"
			}
		}
		rec := "-"
		if r.Recurring() {
			rec = *r.Recurrence
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Name, r.Status, r.RetryCount, formatTime(r.NextRunAt), last, rec)
	}
	return tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
