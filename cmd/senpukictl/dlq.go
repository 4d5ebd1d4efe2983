package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/maumercado/senpuki/pkg/client"
)

func newDLQCmd(newClient func() (*client.Client, error)) *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage the dead-letter queue",
	}

	dlq.AddCommand(newDLQListCmd(newClient))
	dlq.AddCommand(newDLQShowCmd(newClient))
	dlq.AddCommand(newDLQReplayCmd(newClient))
	dlq.AddCommand(newDLQDeleteCmd(newClient))

	return dlq
}

func newDLQListCmd(newClient func() (*client.Client, error)) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered tasks, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			entries, err := c.ListDeadLetters(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list dead letters: %w", err)
			}

			if len(entries) == 0 {
				fmt.Println("no dead-lettered tasks")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%s  %s  %s\n", e.ID, e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), e.Error)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries to list")
	return cmd
}

func newDLQShowCmd(newClient func() (*client.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task_id>",
		Short: "Show a dead-lettered task's full snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDLQID(args)
			if err != nil {
				return err
			}

			c, err := newClient()
			if err != nil {
				return err
			}

			entry, err := c.GetDeadLetter(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("get dead letter: %w", err)
			}

			fmt.Printf("id:         %s\n", entry.ID)
			fmt.Printf("created_at: %s\n", entry.CreatedAt)
			fmt.Printf("error:      %s\n", entry.Error)
			fmt.Printf("task:       %s\n", entry.Task)
			return nil
		},
	}
}

func newDLQReplayCmd(newClient func() (*client.Client, error)) *cobra.Command {
	var queue string

	cmd := &cobra.Command{
		Use:   "replay <task_id>",
		Short: "Re-enqueue a dead-lettered task as a new pending task",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDLQID(args)
			if err != nil {
				return err
			}

			c, err := newClient()
			if err != nil {
				return err
			}

			if err := c.ReplayDeadLetter(cmd.Context(), id, queue); err != nil {
				return fmt.Errorf("replay dead letter: %w", err)
			}
			fmt.Println("task re-queued")
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "queue to re-enqueue onto (defaults to the original queue)")
	return cmd
}

func newDLQDeleteCmd(newClient func() (*client.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task_id>",
		Short: "Delete a dead-lettered task without replaying it",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDLQID(args)
			if err != nil {
				return err
			}

			c, err := newClient()
			if err != nil {
				return err
			}

			if err := c.DeleteDeadLetter(cmd.Context(), id); err != nil {
				return fmt.Errorf("delete dead letter: %w", err)
			}
			fmt.Println("dead letter deleted")
			return nil
		},
	}
}

func parseDLQID(args []string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, fmt.Errorf("%w: expected exactly one task_id argument", errUsage)
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid task_id %q: %v", errUsage, args[0], err)
	}
	return id, nil
}
