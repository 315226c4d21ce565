package cli

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harun/hive/pkg/storage"
	"github.com/harun/hive/pkg/toolrunner"
)

var auditCmd = &cobra.Command{
	Use:   "audit [project]",
	Short: "Show the tool call audit trail of a project",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAudit,
}

func init() {
	auditCmd.Flags().Int("tail", 50, "show only the last N entries (0 for all)")
	auditCmd.Flags().Bool("denied", false, "only show blocked, rejected and out-of-root calls")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dir := cfg.Workspace
	if len(args) == 1 {
		dir = args[0]
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	entries, err := toolrunner.ReadAuditTrail(cmd.Context(), storage.NewFileStore(""), root)
	if err != nil {
		return err
	}
	if denied, _ := cmd.Flags().GetBool("denied"); denied {
		kept := entries[:0]
		for _, e := range entries {
			switch e.Outcome {
			case toolrunner.OutcomeBlocked, toolrunner.OutcomeRejected, toolrunner.OutcomeViolation:
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	if tail, _ := cmd.Flags().GetInt("tail"); tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s %-10s %-16s %s", e.Time.Local().Format("2006-01-02 15:04:05"), outcomeMark(e.Outcome), e.Tool, e.AgentID)
		if e.Error != "" {
			fmt.Fprintf(out, " %s", e.Error)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func outcomeMark(outcome string) string {
	switch outcome {
	case toolrunner.OutcomeOK:
		return color.GreenString(outcome)
	case toolrunner.OutcomeFailed, toolrunner.OutcomeAborted:
		return color.YellowString(outcome)
	default:
		return color.RedString(outcome)
	}
}
