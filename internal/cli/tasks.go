package cli

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harun/hive/pkg/filelock"
	"github.com/harun/hive/pkg/storage"
	"github.com/harun/hive/pkg/tasks"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Read the project task manifest",
}

var tasksListCmd = &cobra.Command{
	Use:   "list [project]",
	Short: "List the tasks in " + tasks.FileName,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTasksList,
}

func init() {
	tasksListCmd.Flags().Bool("pending", false, "only show pending tasks")
	tasksCmd.AddCommand(tasksListCmd)
	rootCmd.AddCommand(tasksCmd)
}

func runTasksList(cmd *cobra.Command, args []string) error {
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

	store := storage.NewFileStore("")
	manifest := tasks.NewManifest(tasks.Config{
		Store:  store,
		Locker: filelock.New(filelock.Config{Store: store}),
		Path:   filepath.Join(root, tasks.FileName),
		Lock:   filelock.Options{Timeout: cfg.Lock.LockTimeout(), Stale: cfg.Lock.StaleAfter()},
	})

	list := manifest.List
	if pending, _ := cmd.Flags().GetBool("pending"); pending {
		list = manifest.Pending
	}
	items, err := list(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "No tasks")
		return nil
	}
	phase := ""
	for _, t := range items {
		if t.Phase != phase {
			phase = t.Phase
			fmt.Fprintln(out, color.New(color.Bold).Sprint(phase))
		}
		fmt.Fprintf(out, "  %s %s %s\n", taskMark(t), t.ID, t.Description)
	}
	return nil
}

func taskMark(t tasks.Task) string {
	switch t.Status {
	case tasks.StatusDone:
		return color.GreenString("[done]")
	case tasks.StatusInProgress:
		return color.YellowString("[%s]", t.Agent)
	default:
		return "[ ]"
	}
}
