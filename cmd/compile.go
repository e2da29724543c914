package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ollama/constrain/constraint"
	"github.com/ollama/constrain/envconfig"
	"github.com/ollama/constrain/format"
)

func NewCompileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile KIND FILE",
		Short: "Compile a grammar and report its size",
		Long: `Compile a grammar and report its size.

KIND is one of regex, json_schema, json_object, lark, ebnf or llguidance.
FILE is read from stdin when it is "-".`,
		Args: cobra.ExactArgs(2),
		RunE: compileHandler,
	}

	cmd.Flags().Bool("print", false, "Print the compiled rules")
	return cmd
}

func compileHandler(cmd *cobra.Command, args []string) error {
	tlg, err := readGrammar(cmd, args[0], args[1])
	if err != nil {
		return err
	}

	env, err := loadEnv(cmd)
	if err != nil {
		return err
	}

	start := time.Now()
	c, err := constraint.Compile(tlg, constraint.CompileOptions{
		Limits: envconfig.Limits(),
		Trie:   env.TokTrie(),
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	out := cmd.OutOrStdout()
	if printRules, _ := cmd.Flags().GetBool("print"); printRules {
		fmt.Fprintln(out, c.Grammar.String())
	}

	table := newTable(out, "PROPERTY", "VALUE")
	table.AppendBulk([][]string{
		{"grammar", tlg.String()},
		{"symbols", format.HumanNumber(uint64(c.Grammar.NumSymbols()))},
		{"terminals", format.HumanNumber(uint64(c.Grammar.NumTerminals()))},
		{"rhs length", format.HumanNumber(uint64(len(c.Grammar.RHS())))},
		{"max tokens", maxTokensString(c.MaxTokens)},
		{"no forcing", strconv.FormatBool(c.Guidance.NoForcing)},
		{"compile time", format.HumanDuration(elapsed)},
	})
	table.Render()

	for _, w := range c.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}
	return nil
}

func maxTokensString(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}
