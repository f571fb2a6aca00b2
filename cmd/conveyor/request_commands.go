package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"conveyor/internal/ipc"
)

func newRequestCommand(ctx *commandContext) *cobra.Command {
	requestCmd := &cobra.Command{
		Use:   "request",
		Short: "Manage acquisition requests",
	}

	requestCmd.AddCommand(newRequestAddCommand(ctx))
	requestCmd.AddCommand(newRequestListCommand(ctx))
	requestCmd.AddCommand(newRequestShowCommand(ctx))
	requestCmd.AddCommand(newRequestRetryCommand(ctx))
	requestCmd.AddCommand(newRequestCancelCommand(ctx))

	return requestCmd
}

func newRequestAddCommand(ctx *commandContext) *cobra.Command {
	var (
		mediaType   string
		tmdbID      int64
		season      int
		episodes    []int
		requestedBy string
		templateID  string
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a new acquisition request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RequestAdd(ipc.RequestAddRequest{
					Title:       args[0],
					TMDBID:      tmdbID,
					MediaType:   mediaType,
					Season:      season,
					Episodes:    episodes,
					RequestedBy: requestedBy,
					TemplateID:  templateID,
				})
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Request %d added (%s, template %s)\n",
					resp.Request.ID, resp.Request.MediaType, resp.Request.TemplateID)
				if warning := strings.TrimSpace(resp.Warning); warning != "" {
					fmt.Fprintf(out, "Warning: %s\n", warning)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&mediaType, "type", "t", "movie", "Media type (movie or tv)")
	cmd.Flags().Int64Var(&tmdbID, "tmdb-id", 0, "TMDB identifier")
	cmd.Flags().IntVar(&season, "season", 0, "Season number (tv only)")
	cmd.Flags().IntSliceVar(&episodes, "episode", nil, "Episode number (tv only, repeatable)")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "", "Requesting user")
	cmd.Flags().StringVar(&templateID, "template", "", "Workflow template (defaults to the configured template)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the created request as JSON")
	return cmd
}

func newRequestListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List acquisition requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RequestList(statuses)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				if len(resp.Requests) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No requests")
					return nil
				}
				rows := make([][]string, 0, len(resp.Requests))
				for _, req := range resp.Requests {
					rows = append(rows, []string{
						strconv.FormatInt(req.ID, 10),
						req.Title,
						req.MediaType,
						req.Status,
						req.TemplateID,
						strconv.Itoa(len(req.Items)),
						req.CreatedAt,
					})
				}
				table := renderTable(
					[]string{"ID", "Title", "Type", "Status", "Template", "Items", "Created"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by request status (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit requests as JSON")
	return cmd
}

func newRequestShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one request with its items and executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRequestID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RequestShow(id)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				printRequestDetail(cmd, resp.Request)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the request as JSON")
	return cmd
}

func newRequestRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Retry a failed or cancelled request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRequestID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RequestRetry(id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Request %d retrying (execution %s)\n", id, resp.Execution.ID)
				return nil
			})
		},
	}
}

func newRequestCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a request and its live executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRequestID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RequestCancel(id)
				if err != nil {
					return err
				}
				if resp.Cancelled {
					fmt.Fprintf(cmd.OutOrStdout(), "Request %d cancelled\n", id)
				}
				return nil
			})
		},
	}
}

func parseRequestID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid request id %q", arg)
	}
	return id, nil
}

func printRequestDetail(cmd *cobra.Command, req ipc.RequestView) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Request %d: %s\n", req.ID, req.Title)
	fmt.Fprintf(out, "  Type:     %s\n", req.MediaType)
	if req.Season > 0 {
		fmt.Fprintf(out, "  Season:   %d\n", req.Season)
	}
	fmt.Fprintf(out, "  Status:   %s\n", req.Status)
	fmt.Fprintf(out, "  Template: %s\n", req.TemplateID)
	if req.RequestedBy != "" {
		fmt.Fprintf(out, "  By:       %s\n", req.RequestedBy)
	}

	if len(req.Items) > 0 {
		rows := make([][]string, 0, len(req.Items))
		for _, item := range req.Items {
			rows = append(rows, []string{
				strconv.FormatInt(item.ID, 10),
				item.Label,
				item.Status,
				strconv.Itoa(item.Attempts),
				fmt.Sprintf("%.0f%%", item.ProgressPercent),
				item.ErrorMessage,
			})
		}
		fmt.Fprintln(out, "Items:")
		table := renderTable(
			[]string{"ID", "Label", "Status", "Attempts", "Progress", "Error"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
		)
		fmt.Fprintln(out, table)
	}

	if len(req.Executions) > 0 {
		rows := make([][]string, 0, len(req.Executions))
		for _, exec := range req.Executions {
			rows = append(rows, []string{
				exec.ID,
				exec.Status,
				exec.Cursor,
				exec.StartedAt,
				exec.CompletedAt,
			})
		}
		fmt.Fprintln(out, "Executions:")
		table := renderTable(
			[]string{"ID", "Status", "Cursor", "Started", "Completed"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
		)
		fmt.Fprintln(out, table)
	}
}
