package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/taskloop/internal/engine"
	"github.com/ChamsBouzaiene/taskloop/internal/phase"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
	"github.com/ChamsBouzaiene/taskloop/internal/taskstore"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		goal      string
		id        string
		workspace string
		steps     int
	)
	cmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Start a new task and run it to completion",
		Example: `  taskloop run "make the parser tests pass"
  taskloop run --goal "fix the lint violations" --workspace ./svc --steps 40`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if goal == "" {
				goal = strings.TrimSpace(strings.Join(args, " "))
			}
			if goal == "" {
				return errors.New("a goal is required")
			}
			if steps > 0 {
				a.cfg.Budget.InitialSteps = steps
			}
			root, err := resolveWorkspace(workspace)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := a.newRuntime(ctx, root, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.Close()

			st, err := rt.executor.Create(goal, engine.CreateOptions{ID: id, Workspace: root})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s started in %s\n", st.ID, root)
			out, err := rt.executor.Run(ctx)
			return finish(cmd.OutOrStdout(), rt.executor.State(), out, err)
		},
	}
	cmd.Flags().StringVarP(&goal, "goal", "g", "", "what the task should achieve")
	cmd.Flags().StringVar(&id, "id", "", "task id (default: generated)")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "directory the task works in (default: current directory)")
	cmd.Flags().IntVar(&steps, "steps", 0, "initial step budget (default from config)")
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Continue an interrupted task from its last committed step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]

			root, err := a.taskWorkspace(ctx, id)
			if err != nil {
				return err
			}
			rt, err := a.newRuntime(ctx, root, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.Close()

			out, err := rt.executor.Resume(ctx, id)
			if st := rt.executor.State(); st != nil {
				return finish(cmd.OutOrStdout(), st, out, err)
			}
			return err
		},
	}
}

// taskWorkspace reads the workspace a task was started in.
func (a *app) taskWorkspace(ctx context.Context, id string) (string, error) {
	store, catalog, err := a.openStore(ctx)
	if err != nil {
		return "", err
	}
	if catalog != nil {
		defer catalog.Close()
	}
	st, err := store.Load(id)
	if err != nil {
		return "", err
	}
	if st.Workspace == "" {
		return resolveWorkspace("")
	}
	return st.Workspace, nil
}

func resolveWorkspace(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", abs)
	}
	return abs, nil
}

// finish reports how a run ended and maps it onto the exit code.
func finish(w io.Writer, st *taskstore.TaskState, out engine.StepOutcome, runErr error) error {
	if st == nil {
		return runErr
	}
	if runErr != nil && !st.Status.Terminal() {
		fmt.Fprintf(w, "\ntask %s stopped at step %d: %v\n", st.ID, st.Step, runErr)
		fmt.Fprintf(w, "resume it with: taskloop resume %s\n", st.ID)
		return &exitError{code: 1}
	}
	fmt.Fprintf(w, "\ntask %s %s after %d steps (%d tokens)\n", st.ID, st.Status, st.Step, st.Tokens.Total)
	if reason := firstNonEmpty(st.StatusReason, out.Reason); reason != "" {
		fmt.Fprintf(w, "reason: %s\n", reason)
	}
	if st.Result != "" {
		fmt.Fprintf(w, "result: %s\n", st.Result)
	}
	if len(st.Suggestions) > 0 && st.Status != task.StatusCompleted {
		fmt.Fprintln(w, "suggestions:")
		for _, s := range st.Suggestions {
			fmt.Fprintf(w, "  - %s\n", s)
		}
	}
	if code := exitCode(st.Status); code != 0 {
		return &exitError{code: code}
	}
	return runErr
}

// exitCode is 0 for completed tasks, 2 for tasks that need a human and 1
// for everything else.
func exitCode(s task.Status) int {
	switch s {
	case task.StatusCompleted:
		return 0
	case task.StatusEscalated, task.StatusBudgetExhausted, task.StatusCannotFix:
		return 2
	default:
		return 1
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// progressHook prints one line per action for people watching the run.
type progressHook struct {
	engine.NopHook
	out io.Writer
}

func (h progressHook) OnActionResult(_ context.Context, st *taskstore.TaskState, r task.ActionRecord) {
	mark := "ok"
	if !r.Success {
		mark = "FAILED"
	}
	line, _, _ := strings.Cut(strings.TrimSpace(r.Result), "\n")
	if len(line) > 100 {
		line = line[:100] + "..."
	}
	fmt.Fprintf(h.out, "[%3d] %-8s %-13s %-6s %s\n", r.Seq, st.Phase.Current, r.Kind, mark, line)
}

func (h progressHook) OnTransition(_ context.Context, _ *taskstore.TaskState, r phase.Rule) {
	fmt.Fprintf(h.out, "      phase %s -> %s\n", r.From, r.To)
}
