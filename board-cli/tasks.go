package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/aryabyte21/taskboard/client/board"
	"github.com/aryabyte21/taskboard/client/tasksync"
	"github.com/aryabyte21/taskboard/domain"
)

func parseStatus(s string) (domain.Status, error) {
	st := domain.Status(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q (want todo, in_progress or done)", s)
	}
	return st, nil
}

func listCmd(a *app) *cobra.Command {
	var status string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks grouped by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := a.client.ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			statuses := domain.Statuses[:]
			if status != "" {
				st, err := parseStatus(status)
				if err != nil {
					return err
				}
				statuses = []domain.Status{st}
			}
			cols := board.BuildColumns(tasks)

			out := cmd.OutOrStdout()
			if asJSON {
				selected := []domain.Task{}
				for _, st := range statuses {
					selected = append(selected, cols[st]...)
				}
				return writeJSON(out, selected)
			}
			for _, st := range statuses {
				fmt.Fprintf(out, "%s (%d)\n", st.Title(), len(cols[st]))
				for _, t := range cols[st] {
					fmt.Fprintf(out, "  %s  %s\n", t.ID, t.Title)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "Only show one column")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func showCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.client.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), t)
			return nil
		},
	}
}

func addCmd(a *app) *cobra.Command {
	var title, description, status string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := domain.TaskInput{Title: &title, Description: &description}
			if status != "" {
				st, err := parseStatus(status)
				if err != nil {
					return err
				}
				in.Status = &st
			}
			t, err := a.client.CreateTask(cmd.Context(), in)
			if err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), t)
			return nil
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "Task title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Task description")
	cmd.Flags().StringVarP(&status, "status", "s", "", "Initial status (default todo)")
	return cmd
}

func editCmd(a *app) *cobra.Command {
	var title, description, status string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change fields of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in domain.TaskInput
			if cmd.Flags().Changed("title") {
				in.Title = &title
			}
			if cmd.Flags().Changed("description") {
				in.Description = &description
			}
			if cmd.Flags().Changed("status") {
				st, err := parseStatus(status)
				if err != nil {
					return err
				}
				in.Status = &st
			}
			if in.Empty() {
				return fmt.Errorf("nothing to change; pass --title, --description or --status")
			}
			t, err := a.client.UpdateTask(cmd.Context(), args[0], in)
			if err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), t)
			return nil
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "New title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "New description")
	cmd.Flags().StringVarP(&status, "status", "s", "", "New status")
	return cmd
}

// moveCmd goes through the board engine so a move from the command line
// follows the same optimistic path as a drag in the board view.
func moveCmd(a *app) *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "move <id> <status>",
		Short: "Move a task to another column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := parseStatus(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store := tasksync.New(a.client, a.logger)
			if err := store.LoadAll(ctx); err != nil {
				return err
			}
			engine := board.New(store, store, a.logger)
			defer engine.Close()

			src, ok := engine.Columns().Find(args[0])
			if !ok {
				return domain.ErrNotFound
			}
			if err := engine.DragStart(args[0]); err != nil {
				return err
			}
			res := board.DropResult{
				TaskID:      args[0],
				Source:      src,
				Destination: &board.Position{Column: dest, Index: index},
			}
			if err := engine.DragEnd(ctx, res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[0], dest.Title())
			return nil
		},
	}
	cmd.Flags().IntVarP(&index, "index", "i", 0, "Position within the destination column")
	return cmd
}

func rmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.DeleteTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func printTask(w io.Writer, t domain.Task) {
	fmt.Fprintf(w, "%s  %s\n", t.ID, t.Title)
	fmt.Fprintf(w, "  Status:      %s\n", t.Status.Title())
	fmt.Fprintf(w, "  Description: %s\n", t.Description)
	fmt.Fprintf(w, "  Created:     %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  Updated:     %s\n", t.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
}

func writeJSON(w io.Writer, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
