package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jokerjunya/ticket-get/internal/model"
)

type RunsOptions struct {
	*RootOptions
	Limit int
	JSON  bool
	Jobs  bool
}

func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "查看执行历史",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRuns(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "number of runs to show (0 = all)")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print JSON instead of a table")
	cmd.Flags().BoolVar(&opts.Jobs, "jobs", false, "show scheduled jobs instead of runs")
	return cmd
}

func runRuns(ctx context.Context, opts *RunsOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// 只读历史，不需要日志输出。
	a, err := newApp(ctx, opts.RootOptions, "", nil)
	if err != nil {
		return err
	}
	defer a.close()
	if a.store == nil {
		return fmt.Errorf("history database unavailable: %s", a.cfg.Storage.SQLitePath)
	}

	if opts.Jobs {
		jobs, err := a.store.ListJobs(ctx)
		if err != nil {
			return err
		}
		if opts.JSON {
			return writeJSONTo(out, jobs)
		}
		return writeJobsTable(out, jobs)
	}

	runs, err := a.store.ListRuns(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if opts.JSON {
		return writeJSONTo(out, runs)
	}
	return writeRunsTable(out, runs)
}

func writeJSONTo(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

const tableTime = "2006-01-02 15:04:05"

func writeRunsTable(w io.Writer, runs []model.RunSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTARTED\tDURATION\tREQUEST\tERROR")
	for _, r := range runs {
		status := string(r.Status)
		if r.DryRun {
			status += " (dry-run)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, status, r.StartedAt.Local().Format(tableTime),
			r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond), r.RequestPath, truncate(r.Error, 60))
	}
	return tw.Flush()
}

func writeJobsTable(w io.Writer, jobs []model.Job) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tSALE START\tEXIT\tREQUEST\tERROR")
	for _, j := range jobs {
		sale := "-"
		if j.SaleStartMs > 0 {
			sale = time.UnixMilli(j.SaleStartMs).Local().Format(tableTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			j.ID, j.State, sale, j.ExitCode, j.RequestPath, truncate(j.Error, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
