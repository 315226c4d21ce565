package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harun/hive/pkg/agent"
	"github.com/harun/hive/pkg/events"
	"github.com/harun/hive/pkg/swarm"
	"github.com/harun/hive/pkg/toolrunner"
)

var runFlags struct {
	root      string
	thread    string
	model     string
	maxSteps  int
	noWait    bool
	prompt    bool
	showSteps bool
}

var runCmd = &cobra.Command{
	Use:   "run <instruction>",
	Short: "Run the lead agent against a project",
	Long: `Run a lead agent thread with the given instruction. Workers spawned by
the agent are awaited before the command exits, and their swarm report is
printed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.root, "root", "", "project directory (default is the configured workspace)")
	f.StringVar(&runFlags.thread, "thread", "", "thread id (default is a generated lead id)")
	f.StringVar(&runFlags.model, "model", "", "model override")
	f.IntVar(&runFlags.maxSteps, "max-steps", 0, "step limit override")
	f.BoolVar(&runFlags.noWait, "no-wait", false, "exit without waiting for spawned workers")
	f.BoolVar(&runFlags.prompt, "prompt-approvals", true, "ask on stdin when a command needs approval")
	f.BoolVar(&runFlags.showSteps, "steps", false, "print step and tool events")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{needProviders: true})
	if err != nil {
		return err
	}
	defer a.Close()

	root, err := a.projectRoot(runFlags.root)
	if err != nil {
		return err
	}
	threadID := runFlags.thread
	if threadID == "" {
		threadID = fmt.Sprintf("lead-%d", time.Now().UnixMilli())
	}

	out := cmd.OutOrStdout()
	if runFlags.showSteps {
		cancel := printEvents(a.bus, out)
		defer cancel()
	}
	if runFlags.prompt {
		cancel := promptApprovals(ctx, a.bus, a.approvals, cmd.InOrStdin(), out)
		defer cancel()
	}

	swarmID := swarm.LeadSwarmID(threadID)
	opts := agent.RunOptions{
		Model:    runFlags.model,
		MaxSteps: runFlags.maxSteps,
		AgentID:  threadID,
		SwarmID:  swarmID,
		Exec:     toolrunner.ExecContext{Root: root},
	}
	res, err := a.loop.Run(ctx, threadID, strings.Join(args, " "), opts)
	if err != nil {
		return err
	}
	printResult(out, res)
	// The lead is done spawning.
	a.supervisor.CloseSwarm(ctx, swarmID)

	if runFlags.noWait || a.supervisor.Active() == 0 {
		return nil
	}
	fmt.Fprintf(out, "Waiting for %d worker(s)...\n", a.supervisor.Active())

	if err := a.supervisor.Wait(ctx); err != nil {
		return err
	}
	for _, report := range a.swarmReports() {
		printReport(out, report)
	}
	return nil
}

func printResult(w io.Writer, res *agent.Result) {
	state := color.New(color.FgGreen)
	if res.State != agent.StateDone {
		state = color.New(color.FgYellow)
	}
	fmt.Fprintf(w, "%s %s in %s (%d in / %d out tokens)\n",
		state.Sprint(string(res.State)), res.AgentID, formatDuration(res.Duration),
		res.Usage.InputTokens, res.Usage.OutputTokens)
	if res.Err != nil {
		fmt.Fprintf(w, "%s %v\n", color.RedString("error:"), res.Err)
	}
	if res.Final != "" {
		fmt.Fprintln(w, res.Final)
	}
}

func printReport(w io.Writer, report swarm.Report) {
	fmt.Fprintf(w, "\nSwarm %s: %d/%d completed, %d failed in %s\n",
		report.SwarmID, report.Completed, report.Total, report.Failed, formatDuration(report.Duration))
	for _, s := range report.Summaries {
		mark := color.GreenString("✓")
		if s.Status != swarm.StatusCompleted {
			mark = color.RedString("✗")
		}
		line := s.Summary
		if s.Error != "" {
			line = s.Error
		}
		fmt.Fprintf(w, "  %s %s %s\n", mark, s.TaskID, line)
	}
}

func printEvents(bus *events.Bus, w io.Writer) func() {
	ch, cancel := bus.Subscribe(256, events.StepStart, events.ToolExecution, events.Warning, events.WorkerStatus)
	go func() {
		for evt := range ch {
			fmt.Fprintf(w, "%s [%s] %s %v\n", color.CyanString(evt.Type), evt.ThreadID, evt.AgentID, evt.Data)
		}
	}()
	return cancel
}

// promptApprovals answers approval_required events from r, one at a time.
func promptApprovals(ctx context.Context, bus *events.Bus, approvals *toolrunner.ApprovalManager, r io.Reader, w io.Writer) func() {
	ch, cancel := bus.Subscribe(32, events.ApprovalRequired)
	answers := bufio.NewScanner(r)
	go func() {
		for evt := range ch {
			id, _ := evt.Data["approvalId"].(string)
			fmt.Fprintf(w, "%s %s wants to run: %v\n", color.YellowString("approval"), evt.ThreadID, evt.Data["command"])
			fmt.Fprint(w, "allow-once / allow-always / deny? ")
			if !answers.Scan() || ctx.Err() != nil {
				return
			}
			action, err := toolrunner.ParseApprovalAction(answers.Text())
			if err != nil {
				action = toolrunner.ApprovalActionDeny
			}
			if err := approvals.Resolve(id, action, "cli"); err != nil {
				fmt.Fprintf(w, "%s %v\n", color.RedString("error:"), err)
			}
		}
	}()
	return cancel
}
