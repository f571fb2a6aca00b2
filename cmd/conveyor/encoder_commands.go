package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"conveyor/internal/ipc"
)

func newEncodersCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "encoders",
		Short: "List connected encode workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.EncoderList()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				if len(resp.Encoders) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No encoders connected")
					return nil
				}
				rows := make([][]string, 0, len(resp.Encoders))
				for _, enc := range resp.Encoders {
					rows = append(rows, []string{
						enc.ID,
						enc.Remote,
						enc.Version,
						strconv.Itoa(enc.InFlight),
						strconv.Itoa(enc.Capacity),
						enc.LastHeartbeat,
					})
				}
				table := renderTable(
					[]string{"ID", "Remote", "Version", "In Flight", "Capacity", "Heartbeat"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit encoders as JSON")
	return cmd
}
