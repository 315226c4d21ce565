package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harun/hive/pkg/swarm"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show swarm worker status",
	Long:  `Show the workers recorded in the worker registry, or one worker by task id.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	registry, err := a.workerRegistry()
	if err != nil {
		return err
	}

	var records []swarm.WorkerRecord
	if len(args) == 1 {
		rec, ok, err := registry.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no worker for task %s", args[0])
		}
		records = append(records, rec)
	} else {
		records, err = registry.List(cmd.Context())
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No workers")
		return nil
	}
	writeWorkers(out, records, time.Now())
	return nil
}

func writeWorkers(w io.Writer, records []swarm.WorkerRecord, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tSWARM\tTHREAD\tAGE\tDETAIL")
	for _, r := range records {
		detail := r.Summary
		if r.Error != "" {
			detail = r.Error
		}
		if r.ResultURL != "" {
			detail = r.ResultURL
		}
		age := formatDuration(now.Sub(r.StartedAt))
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.TaskID, statusColor(r.Status), r.SwarmID, r.ThreadID, age, detail)
	}
	tw.Flush()
}

func statusColor(s swarm.Status) string {
	switch s {
	case swarm.StatusCompleted:
		return color.GreenString(string(s))
	case swarm.StatusFailed:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
