package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"conveyor/internal/ipc"
)

func newBreakerCommand(ctx *commandContext) *cobra.Command {
	breakerCmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and reset circuit breakers",
	}

	breakerCmd.AddCommand(newBreakerListCommand(ctx))
	breakerCmd.AddCommand(newBreakerResetCommand(ctx))

	return breakerCmd
}

func newBreakerListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted circuit breakers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.BreakerList()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				if len(resp.Breakers) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No breakers recorded")
					return nil
				}
				rows := make([][]string, 0, len(resp.Breakers))
				for _, rec := range resp.Breakers {
					rows = append(rows, []string{
						rec.Service,
						rec.State,
						strconv.Itoa(rec.Failures),
						strconv.Itoa(rec.Successes),
						rec.OpensAt,
					})
				}
				table := renderTable(
					[]string{"Service", "State", "Failures", "Successes", "Retry At"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit breakers as JSON")
	return cmd
}

func newBreakerResetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <service>",
		Short: "Reset a circuit breaker to closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.BreakerReset(service)
				if err != nil {
					return err
				}
				if resp.Reset {
					fmt.Fprintf(cmd.OutOrStdout(), "Breaker %s reset\n", service)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "No breaker recorded for %s\n", service)
				}
				return nil
			})
		},
	}
}
