package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"conveyor/internal/config"
	"conveyor/internal/ipc"
	"conveyor/internal/pipeline"
)

func newTemplateCommand(ctx *commandContext) *cobra.Command {
	templateCmd := &cobra.Command{
		Use:   "template",
		Short: "Inspect workflow templates",
	}

	templateCmd.AddCommand(newTemplateListCommand(ctx))
	templateCmd.AddCommand(newTemplateValidateCommand(ctx))

	return templateCmd
}

func newTemplateListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates loaded by the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.TemplateList()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				printTemplateTable(cmd, resp.Templates)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit templates as JSON")
	return cmd
}

// newTemplateValidateCommand loads templates directly from disk so operators
// can vet template edits before restarting the daemon.
func newTemplateValidateCommand(ctx *commandContext) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate template files without the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(dir)
			if target == "" {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				target = cfg.Paths.TemplatesDir
			} else {
				expanded, err := config.ExpandPath(target)
				if err != nil {
					return fmt.Errorf("resolve templates dir: %w", err)
				}
				target = expanded
			}

			lib, err := pipeline.LoadLibrary(target)
			if err != nil {
				return fmt.Errorf("validate templates: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Templates in %s are valid\n", target)
			views := make([]ipc.TemplateView, 0, len(lib.List()))
			for _, tpl := range lib.List() {
				views = append(views, ipc.TemplateView{
					ID:          tpl.ID,
					Name:        tpl.Name,
					Description: tpl.Description,
					Steps:       tpl.Len(),
				})
			}
			printTemplateTable(cmd, views)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Templates directory (defaults to the configured one)")
	return cmd
}

func printTemplateTable(cmd *cobra.Command, templates []ipc.TemplateView) {
	if len(templates) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No templates loaded")
		return
	}
	rows := make([][]string, 0, len(templates))
	for _, tpl := range templates {
		rows = append(rows, []string{
			tpl.ID,
			tpl.Name,
			strconv.Itoa(tpl.Steps),
			tpl.Description,
		})
	}
	table := renderTable(
		[]string{"ID", "Name", "Steps", "Description"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	)
	fmt.Fprintln(cmd.OutOrStdout(), table)
}
