package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ollama/constrain/format"
	"github.com/ollama/constrain/tokenizer"
)

func NewTokenizerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokenizer",
		Short: "Work with tokenizer vocabularies",
	}

	packCmd := &cobra.Command{
		Use:   "pack TOKENIZER_JSON OUTPUT",
		Short: "Pack the token bytes of a tokenizer.json into a snapshot",
		Long: `Pack the token bytes of a tokenizer.json into a CBOR snapshot.

A snapshot loads faster than the tokenizer it came from and is enough to
compute masks. Pass it to --tokenizer with a .cbor extension.`,
		Args: cobra.ExactArgs(2),
		RunE: packHandler,
	}

	encodeCmd := &cobra.Command{
		Use:   "encode TEXT",
		Short: "Show how text is split into tokens",
		Args:  cobra.ExactArgs(1),
		RunE:  encodeHandler,
	}

	cmd.AddCommand(packCmd, encodeCmd)
	return cmd
}

func packHandler(cmd *cobra.Command, args []string) error {
	bpe, err := loadTokenizer(args[0])
	if err != nil {
		return err
	}
	env, err := tokenizer.NewEnv(bpe)
	if err != nil {
		return err
	}

	f, err := os.Create(args[1])
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := tokenizer.NewSnapshot(env.TokTrie()).Write(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	trie := env.TokTrie()
	fmt.Fprintf(cmd.OutOrStdout(), "packed %s tokens (eos %s) into %s\n",
		format.HumanNumber(uint64(trie.VocabSize())),
		trie.TokenString(trie.EOS()),
		format.HumanBytes(fi.Size()))
	return f.Close()
}

func encodeHandler(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd)
	if err != nil {
		return err
	}

	trie := env.TokTrie()
	table := newTable(cmd.OutOrStdout(), "ID", "TOKEN", "BYTES")
	for _, tok := range tokenizeText(env, args[0]) {
		table.Append([]string{
			strconv.Itoa(int(tok)),
			trie.TokenString(tok),
			strconv.Itoa(trie.TokenLen(tok)),
		})
	}
	table.Render()
	return nil
}
