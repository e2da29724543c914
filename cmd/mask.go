package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ollama/constrain/format"
)

func NewMaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mask KIND FILE",
		Short: "Show the tokens a grammar allows after a prefix",
		Args:  cobra.ExactArgs(2),
		RunE:  maskHandler,
	}

	cmd.Flags().String("prefix", "", "Text already generated")
	cmd.Flags().Int("limit", 20, "Maximum number of allowed tokens to list (0 lists all)")
	return cmd
}

func maskHandler(cmd *cobra.Command, args []string) error {
	tlg, err := readGrammar(cmd, args[0], args[1])
	if err != nil {
		return err
	}
	f, err := newFactory(cmd)
	if err != nil {
		return err
	}

	m := f.NewMatcher(tlg)
	if err := m.Err(); err != nil {
		return err
	}

	prefix, _ := cmd.Flags().GetString("prefix")
	if err := m.ConsumeTokens(tokenizeText(f.Env(), prefix)); err != nil {
		return fmt.Errorf("prefix: %w", err)
	}

	start := time.Now()
	mask, err := m.ComputeMask()
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	trie := f.Env().TokTrie()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "allowed %s of %s tokens in %s\n",
		format.HumanNumber(uint64(mask.Count())),
		format.HumanNumber(uint64(trie.VocabSize())),
		format.HumanDuration(elapsed))
	if ff := m.ComputeFFTokens(); len(ff) > 0 {
		fmt.Fprintf(out, "forced: %s\n", trie.TokensString(ff))
	}

	limit, _ := cmd.Flags().GetInt("limit")
	table := newTable(out, "ID", "TOKEN")
	n := 0
	for tok := range mask.Tokens {
		if limit > 0 && n == limit {
			break
		}
		table.Append([]string{strconv.Itoa(int(tok)), trie.TokenString(tok)})
		n++
	}
	table.Render()
	if rest := mask.Count() - n; rest > 0 {
		fmt.Fprintf(out, "... %d more\n", rest)
	}
	return nil
}
