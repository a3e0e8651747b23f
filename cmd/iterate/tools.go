package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/HendryAvila/iterate/internal/tools"
)

func newToolsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List, enable or disable MCP tools",
		Long: "Tool flags live in the config file. A running server picks up changes " +
			"without a restart.",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Show every tool and whether it is enabled",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tNAME\tENABLED\tGATED\tCAN DISABLE")
				for _, def := range tools.Definitions() {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						def.ID, def.Name,
						yesNo(c.settings.ToolEnabled(def.ID)),
						yesNo(def.Gated),
						yesNo(def.CanDisable))
				}
				return w.Flush()
			},
		},
		newToolToggleCmd(c, "enable", true),
		newToolToggleCmd(c, "disable", false),
		&cobra.Command{
			Use:   "reset",
			Short: "Enable every tool",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := c.settings.ResetTools(); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "all tools enabled")
				return nil
			},
		},
	)
	return cmd
}

func newToolToggleCmd(c *cli, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:       verb + " <tool-id>...",
		Short:     fmt.Sprintf("%s one or more tools", capitalize(verb)),
		Args:      cobra.MinimumNArgs(1),
		ValidArgs: toolIDs(),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if _, ok := tools.Lookup(id); !ok {
					return fmt.Errorf("unknown tool %q (known: %v)", id, toolIDs())
				}
			}
			for _, id := range args {
				if err := c.settings.SetToolEnabled(id, enabled); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %sd\n", id, verb)
			}
			return nil
		},
	}
}

func toolIDs() []string {
	var ids []string
	for _, def := range tools.Definitions() {
		ids = append(ids, def.ID)
	}
	sort.Strings(ids)
	return ids
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
