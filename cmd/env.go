package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ollama/constrain/envconfig"
)

func NewEnvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Show configuration settings",
		Long: `Show configuration settings.

Settings come from LLG_* environment variables, then from the config file
(see --example). Unset values use built-in defaults.`,
		Args: cobra.NoArgs,
		RunE: envHandler,
	}

	cmd.Flags().Bool("example", false, "Print an example config file")
	return cmd
}

func envHandler(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if example, _ := cmd.Flags().GetBool("example"); example {
		fmt.Fprint(out, envconfig.GenerateExampleConfig())
		return nil
	}

	vars := envconfig.AsMap()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	slices.Sort(names)

	table := newTable(out, "NAME", "VALUE", "DESCRIPTION")
	for _, name := range names {
		v := vars[name]
		table.Append([]string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}
	table.Render()

	if paths := envconfig.GetConfigPaths(); len(paths) > 0 {
		fmt.Fprintf(out, "\nconfig file: %s\n", strings.Join(paths, " or "))
	}
	return nil
}
