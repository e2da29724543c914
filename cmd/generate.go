package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"github.com/ollama/constrain/format"
	"github.com/ollama/constrain/sample"
	"github.com/ollama/constrain/toktrie"
)

func NewGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate KIND FILE",
		Short: "Sample random text from a grammar",
		Long: `Sample random text from a grammar.

Logits are drawn at random instead of coming from a model, so the output
explores what the grammar allows. Use it to eyeball a schema or to
produce test inputs.`,
		Args: cobra.ExactArgs(2),
		RunE: generateHandler,
	}

	cmd.Flags().Uint64("seed", 0, "Random seed (0 picks one from the clock)")
	cmd.Flags().Float64("temperature", 1, "Sampling temperature")
	cmd.Flags().Int("top-k", 0, "Top-k sampling")
	cmd.Flags().Float64("top-p", 0, "Top-p sampling")
	cmd.Flags().Float64("min-p", 0, "Min-p sampling")
	cmd.Flags().Int("max-tokens", 256, "Token budget")
	cmd.Flags().Bool("stats", false, "Report token count and timing")
	return cmd
}

func generateHandler(cmd *cobra.Command, args []string) error {
	tlg, err := readGrammar(cmd, args[0], args[1])
	if err != nil {
		return err
	}
	if n, _ := cmd.Flags().GetInt("max-tokens"); n > 0 {
		tlg.MaxTokens = n
	}

	f, err := newFactory(cmd)
	if err != nil {
		return err
	}
	c, err := f.NewConstraint(tlg)
	if err != nil {
		return err
	}

	seed, _ := cmd.Flags().GetUint64("seed")
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	var opts sample.Options
	opts.Temperature, _ = cmd.Flags().GetFloat64("temperature")
	opts.TopK, _ = cmd.Flags().GetInt("top-k")
	opts.TopP, _ = cmd.Flags().GetFloat64("top-p")
	opts.MinP, _ = cmd.Flags().GetFloat64("min-p")
	opts.Seed = &seed

	// the prompt holds the bytes the grammar forces at the start
	prompt, err := c.ProcessPrompt(nil)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(seed))
	vocab := f.Env().TokTrie().VocabSize()
	logits := make([]float32, vocab)

	s := sample.NewConstrained(c, opts)
	start := time.Now()
	toks, err := s.Generate(func([]toktrie.TokenID) ([]float32, error) {
		for i := range logits {
			logits[i] = float32(rng.NormFloat64())
		}
		return logits, nil
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, string(f.Env().TokTrie().DecodeText(append(prompt, toks...))))
	if stats, _ := cmd.Flags().GetBool("stats"); stats {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d tokens in %s, stop: %s\n",
			len(toks), format.HumanDuration(time.Since(start)), c.Parser().StopReason())
	}
	return nil
}
