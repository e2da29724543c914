package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ollama/constrain/internal/orderedmap"
)

var errNoMatch = errors.New("text does not match the grammar")

type checkResult struct {
	Status   string                          `json:"status"`
	Offset   int                             `json:"offset"`
	Tokens   int                             `json:"tokens"`
	Captures *orderedmap.Map[string, string] `json:"captures,omitempty"`
}

func NewCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check KIND FILE",
		Short: "Check whether text matches a grammar",
		Long: `Check whether text matches a grammar.

The text is tokenized and fed to the grammar token by token. The command
fails when a token is rejected or the grammar cannot end after the text.`,
		Args: cobra.ExactArgs(2),
		RunE: checkHandler,
	}

	cmd.Flags().String("text", "", "Text to check")
	cmd.Flags().String("text-file", "", "Read the text to check from a file")
	cmd.Flags().Bool("json", false, "Print the result as JSON")
	cmd.MarkFlagsMutuallyExclusive("text", "text-file")
	return cmd
}

func checkHandler(cmd *cobra.Command, args []string) error {
	text, _ := cmd.Flags().GetString("text")
	if path, _ := cmd.Flags().GetString("text-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		text = string(data)
	}

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

	toks := tokenizeText(f.Env(), text)
	n, err := m.ValidateTokens(toks)
	if err != nil {
		return err
	}
	if err := m.ConsumeTokens(toks[:n]); err != nil {
		return err
	}

	res := checkResult{Offset: len(m.Bytes()), Tokens: n}
	switch {
	case n < len(toks):
		res.Status = "rejected"
	case m.IsAccepting() || m.IsStopped():
		res.Status = "accepted"
	default:
		res.Status = "incomplete"
	}
	if caps := m.Captures(); caps.Len() > 0 {
		res.Captures = orderedmap.New[string, string]()
		for name, value := range caps.All() {
			res.Captures.Set(name, string(value))
		}
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		switch res.Status {
		case "rejected":
			fmt.Fprintf(out, "rejected at byte %d (token %d of %d)\n", res.Offset, n+1, len(toks))
		default:
			fmt.Fprintln(out, res.Status)
		}
		if res.Captures != nil {
			table := newTable(out, "CAPTURE", "VALUE")
			for name, value := range res.Captures.All() {
				table.Append([]string{name, fmt.Sprintf("%q", value)})
			}
			table.Render()
		}
	}

	if res.Status != "accepted" {
		return fmt.Errorf("%w: %s", errNoMatch, res.Status)
	}
	return nil
}
