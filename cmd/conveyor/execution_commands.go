package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"conveyor/internal/ipc"
)

func newExecutionCommand(ctx *commandContext) *cobra.Command {
	execCmd := &cobra.Command{
		Use:   "execution",
		Short: "Inspect workflow executions",
	}

	execCmd.AddCommand(newExecutionListCommand(ctx))
	execCmd.AddCommand(newExecutionShowCommand(ctx))
	execCmd.AddCommand(newExecutionResumeCommand(ctx))

	return execCmd
}

func newExecutionListCommand(ctx *commandContext) *cobra.Command {
	var (
		limit    int
		statuses []string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ExecutionList(limit, statuses)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				if len(resp.Executions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No executions")
					return nil
				}
				rows := make([][]string, 0, len(resp.Executions))
				for _, exec := range resp.Executions {
					rows = append(rows, []string{
						exec.ID,
						strconv.FormatInt(exec.RequestID, 10),
						exec.TemplateID,
						exec.Status,
						exec.Cursor,
						exec.StartedAt,
					})
				}
				table := renderTable(
					[]string{"ID", "Request", "Template", "Status", "Cursor", "Started"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "Maximum executions to list")
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by execution status (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit executions as JSON")
	return cmd
}

func newExecutionShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one execution with its step history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ExecutionShow(id)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				exec := resp.Execution
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Execution %s\n", exec.ID)
				fmt.Fprintf(out, "  Request:  %d\n", exec.RequestID)
				fmt.Fprintf(out, "  Template: %s\n", exec.TemplateID)
				fmt.Fprintf(out, "  Status:   %s\n", exec.Status)
				if exec.Cursor != "" {
					fmt.Fprintf(out, "  Cursor:   %s\n", exec.Cursor)
				}
				if exec.Error != "" {
					fmt.Fprintf(out, "  Error:    %s\n", exec.Error)
				}
				if len(exec.Steps) == 0 {
					return nil
				}
				rows := make([][]string, 0, len(exec.Steps))
				for _, step := range exec.Steps {
					rows = append(rows, []string{
						strconv.Itoa(step.Sequence),
						step.StepName,
						step.StepType,
						step.Outcome,
						step.Error,
					})
				}
				fmt.Fprintln(out, "Steps:")
				table := renderTable(
					[]string{"#", "Step", "Type", "Outcome", "Error"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
				)
				fmt.Fprintln(out, table)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the execution as JSON")
	return cmd
}

func newExecutionResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ExecutionResume(id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Execution %s resumed (status %s)\n",
					resp.Execution.ID, resp.Execution.Status)
				return nil
			})
		},
	}
}
