package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/taskloop/internal/memory"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
	"github.com/ChamsBouzaiene/taskloop/internal/taskstore"
)

func newListCmd(a *app) *cobra.Command {
	var (
		status string
		asJSON bool
		rescan bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks, most recently updated first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, catalog, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			if catalog != nil {
				defer catalog.Close()
			}
			if catalog != nil && rescan {
				if err := store.RebuildCatalog(ctx); err != nil {
					return err
				}
				if n, err := catalog.PruneMissing(ctx, store.Root()); err == nil && n > 0 {
					a.logger.Info("dropped catalog rows without a task directory", "count", n)
				}
			}
			summaries, err := listSummaries(ctx, store, catalog, task.Status(status), limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}
			printSummaries(cmd.OutOrStdout(), summaries, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only tasks with this status")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&rescan, "rescan", false, "rebuild the catalog from disk first")
	cmd.Flags().IntVar(&limit, "limit", 0, "show at most this many tasks")
	return cmd
}

// listSummaries reads from the catalog when there is one and from the task
// directories otherwise.
func listSummaries(ctx context.Context, store *taskstore.Store, catalog *taskstore.Catalog, status task.Status, limit int) ([]taskstore.Summary, error) {
	if catalog != nil {
		return catalog.List(ctx, taskstore.Filter{Status: status, Limit: limit})
	}
	all, err := store.ListTasks()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func printSummaries(w io.Writer, summaries []taskstore.Summary, now time.Time) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPHASE\tSTEP\tLEFT\tUPDATED\tGOAL")
	for _, s := range summaries {
		if s.Err != "" {
			fmt.Fprintf(tw, "%s\tunreadable\t-\t-\t-\t-\t%s\n", s.ID, s.Err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			s.ID, s.Status, s.Phase, s.Step, s.Remaining, ago(now, s.UpdatedAt), clipLine(s.Goal, 60))
	}
	tw.Flush()
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func clipLine(s string, n int) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func newShowCmd(a *app) *cobra.Command {
	var (
		actions  bool
		asJSON   bool
		artifact string
		recall   string
	)
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task's state, memory and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, catalog, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if catalog != nil {
				defer catalog.Close()
			}
			id, out := args[0], cmd.OutOrStdout()

			if artifact != "" {
				data, err := store.LoadArtifact(id, artifact)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}

			st, err := store.Load(id)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printState(out, st)
			mem := memory.New(a.cfg.Memory)
			if err := mem.Restore(st.Memory); err != nil {
				return fmt.Errorf("restore memory: %w", err)
			}
			if recall != "" {
				facts, err := mem.Recall(recall, 10)
				if err != nil {
					return err
				}
				printFacts(out, recall, facts)
			} else if u := mem.Compact(); !u.Empty() {
				fmt.Fprintf(out, "\nUnderstanding:\n%s\n", strings.TrimRight(u.String(), "\n"))
			}
			if actions {
				records, err := store.Actions(id, 0)
				if err != nil {
					return err
				}
				printActions(out, records)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&actions, "actions", false, "also print the action log")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw state as JSON")
	cmd.Flags().StringVar(&artifact, "artifact", "", "print one artifact, e.g. result.md")
	cmd.Flags().StringVar(&recall, "recall", "", "print the facts matching this query instead of the understanding")
	return cmd
}

func printState(w io.Writer, st *taskstore.TaskState) {
	fmt.Fprintf(w, "Task:      %s\n", st.ID)
	fmt.Fprintf(w, "Goal:      %s\n", st.Goal)
	if st.Workspace != "" {
		fmt.Fprintf(w, "Workspace: %s\n", st.Workspace)
	}
	fmt.Fprintf(w, "Status:    %s\n", st.Status)
	if st.StatusReason != "" {
		fmt.Fprintf(w, "Reason:    %s\n", st.StatusReason)
	}
	fmt.Fprintf(w, "Phase:     %s\n", st.Phase.Current)
	fmt.Fprintf(w, "Steps:     %d (%d remaining)\n", st.Step, st.Budget.Remaining())
	fmt.Fprintf(w, "Verified:  %s\n", st.Verification)
	fmt.Fprintf(w, "Edits:     %d\n", st.Modifications)
	fmt.Fprintf(w, "Tokens:    %d (prompt %d, completion %d)\n", st.Tokens.Total, st.Tokens.Prompt, st.Tokens.Completion)
	fmt.Fprintf(w, "Updated:   %s\n", st.UpdatedAt.Local().Format(time.RFC3339))
	if st.Result != "" {
		fmt.Fprintf(w, "\nResult:\n  %s\n", st.Result)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "\nLast error:\n  %s\n", st.LastError)
	}
	if len(st.Suggestions) > 0 {
		fmt.Fprintln(w, "\nSuggestions:")
		for _, s := range st.Suggestions {
			fmt.Fprintf(w, "  - %s\n", s)
		}
	}
	if len(st.Artifacts) > 0 {
		fmt.Fprintf(w, "\nArtifacts: %s\n", strings.Join(st.Artifacts, ", "))
	}
}

func printFacts(w io.Writer, query string, facts []memory.Fact) {
	if len(facts) == 0 {
		fmt.Fprintf(w, "\nNo facts match %q\n", query)
		return
	}
	fmt.Fprintf(w, "\nFacts matching %q:\n", query)
	for _, f := range facts {
		subject := ""
		if f.Subject != "" {
			subject = " " + f.Subject + ":"
		}
		fmt.Fprintf(w, "  [%s]%s %s (%.2f)\n", f.Category, subject, f.Content, f.Confidence)
	}
}

func printActions(w io.Writer, records []task.ActionRecord) {
	fmt.Fprintf(w, "\nActions (%d):\n", len(records))
	for _, r := range records {
		mark := "ok"
		if !r.Success {
			mark = "FAILED"
		}
		fmt.Fprintf(w, "  [%3d] %s %-8s %-13s %-6s %s\n",
			r.Seq, r.Timestamp.Local().Format("15:04:05"), r.Phase, r.Kind, mark, clipLine(r.Result, 80))
	}
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a task's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, catalog, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if catalog != nil {
				defer catalog.Close()
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			out := cmd.OutOrStdout()
			var final *taskstore.TaskState
			err = store.Watch(ctx, args[0], func(st *taskstore.TaskState) {
				fmt.Fprintf(out, "%s step %d  %s  %s  %d left\n",
					st.UpdatedAt.Local().Format("15:04:05"), st.Step, st.Phase.Current, st.Status, st.Budget.Remaining())
				if st.Status.Terminal() {
					final = st
					cancel()
				}
			})
			if final != nil {
				if code := exitCode(final.Status); code != 0 {
					return &exitError{code: code}
				}
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>...",
		Aliases: []string{"rm"},
		Short:   "Delete tasks and everything they stored",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, catalog, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if catalog != nil {
				defer catalog.Close()
			}
			var errs []error
			for _, id := range args {
				if err := store.Delete(id); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return errors.Join(errs...)
		},
	}
}

func newPruneCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished tasks that have not been updated for a while",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan == 0 {
				olderThan = a.cfg.Persistence.RetainFor
			}
			store, catalog, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if catalog != nil {
				defer catalog.Close()
			}
			removed, err := store.Prune(olderThan)
			for _, id := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %s\n", id)
			}
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "nothing older than %s\n", olderThan)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default persistence.retain_for)")
	return cmd
}
