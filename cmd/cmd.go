// Package cmd implements the constrain command line: compiling grammars,
// checking text against them and inspecting token masks.
package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/constrain/api"
	"github.com/ollama/constrain/constraint"
	"github.com/ollama/constrain/envconfig"
	"github.com/ollama/constrain/logutil"
	"github.com/ollama/constrain/tokenizer"
	"github.com/ollama/constrain/toktrie"
)

const byteEOS = "<|eos|>"

// readGrammar loads the grammar named by kind from path, or stdin for "-".
func readGrammar(cmd *cobra.Command, kind, path string) (api.TopLevelGrammar, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return api.TopLevelGrammar{}, err
	}
	if kind == "regex" {
		data = bytes.TrimRight(data, "\r\n")
	}
	return api.ParseConstraintSpec(kind, string(data))
}

// byteEnv is a vocabulary with one token per byte. 0xFF never occurs in
// UTF-8, so its slot holds EOS.
func byteEnv() (toktrie.TokEnv, error) {
	words := make([][]byte, 256)
	for b := range 255 {
		words[b] = []byte{byte(b)}
	}
	words[255] = append([]byte{toktrie.SpecialTokenPrefix}, byteEOS...)
	trie, err := toktrie.FromBytes(toktrie.TokRxInfo{VocabSize: 256, EOS: 255}, words)
	if err != nil {
		return nil, err
	}
	return toktrie.GreedyEnv{Trie: trie}, nil
}

// loadEnv builds the token environment from --tokenizer: a packed .cbor
// snapshot, a tokenizer.json, or nothing for the byte vocabulary.
func loadEnv(cmd *cobra.Command) (toktrie.TokEnv, error) {
	path, _ := cmd.Flags().GetString("tokenizer")
	if path == "" {
		return byteEnv()
	}

	if strings.HasSuffix(path, ".cbor") {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		snap, err := tokenizer.ReadSnapshot(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return snap.Env()
	}

	bpe, err := loadTokenizer(path)
	if err != nil {
		return nil, err
	}
	return tokenizer.NewEnv(bpe)
}

// loadTokenizer reads a tokenizer.json and the config files next to it.
func loadTokenizer(path string) (*tokenizer.BytePairEncoding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config tokenizer.Config
	dir := filepath.Dir(path)
	for name, dst := range map[string]*[]byte{
		"tokenizer_config.json":  &config.TokenizerConfigJSON,
		"generation_config.json": &config.GenerationConfigJSON,
	} {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		*dst = b
	}

	bpe, err := tokenizer.LoadDescription(data, &config)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return bpe, nil
}

func newFactory(cmd *cobra.Command) (*constraint.ParserFactory, error) {
	env, err := loadEnv(cmd)
	if err != nil {
		return nil, err
	}
	return constraint.NewParserFactory(env)
}

// tokenizeText splits text into tokens. Special tokens are written as
// <|name|> and are resolved when the vocabulary has them.
func tokenizeText(env toktrie.TokEnv, text string) []toktrie.TokenID {
	trie := env.TokTrie()
	var toks []toktrie.TokenID
	for len(text) > 0 {
		if strings.HasPrefix(text, "<|") {
			if end := strings.Index(text, "|>"); end > 0 {
				if tok, ok := trie.SpecialToken(text[:end+2]); ok {
					toks = append(toks, tok)
					text = text[end+2:]
					continue
				}
			}
		}
		next := strings.Index(text[1:], "<|")
		if next < 0 {
			next = len(text)
		} else {
			next++
		}
		toks = append(toks, env.TokenizeBytes([]byte(text[:next]))...)
		text = text[next:]
	}
	return toks
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	return table
}

func setupLogging(cmd *cobra.Command) {
	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetCount("verbose"); verbose > 0 {
		level, _ = logutil.Verbosity(verbose + 1)
	}
	if envconfig.Debug {
		level = min(level, slog.LevelDebug)
	}
	slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), level))
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:   "constrain",
		Short: "Grammar-constrained decoding toolkit",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			setupLogging(cmd)
		},
	}

	rootCmd.PersistentFlags().StringP("tokenizer", "t", "", "Tokenizer: tokenizer.json or a packed .cbor snapshot (default: one token per byte)")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase log verbosity")

	rootCmd.AddCommand(
		NewCompileCmd(),
		NewCheckCmd(),
		NewMaskCmd(),
		NewGenerateCmd(),
		NewTokenizerCmd(),
		NewEnvCmd(),
	)

	return rootCmd
}
