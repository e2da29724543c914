// Package constraint drives a compiled grammar against a token stream: it
// computes the set of allowed tokens at each step and commits the tokens a
// model samples.
package constraint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ollama/constrain/api"
	"github.com/ollama/constrain/grammar"
	"github.com/ollama/constrain/grammar/jsonschema"
	"github.com/ollama/constrain/lark"
	"github.com/ollama/constrain/toktrie"
)

// Compiled is a top-level grammar ready to drive token parsers. It is
// immutable and may be shared.
type Compiled struct {
	Grammar  *grammar.CGrammar
	Guidance lark.Guidance
	Warnings []string
	// MaxTokens is the token budget requested by the grammar, 0 if none.
	MaxTokens int
}

// CompileOptions configure Compile.
type CompileOptions struct {
	Limits api.ParserLimits
	// Trie resolves <[id]> references in Lark grammars.
	Trie *toktrie.TokTrie
	JSON jsonschema.Options
}

// Compile builds every grammar of tlg over one lexer, links the @name
// references between them and flattens the result. The first grammar is
// the entry point.
func Compile(tlg api.TopLevelGrammar, opts CompileOptions) (*Compiled, error) {
	if len(tlg.Grammars) == 0 {
		return nil, fmt.Errorf("%w: no grammars", api.ErrInvalidGrammar)
	}
	if opts.Limits == (api.ParserLimits{}) {
		opts.Limits = api.DefaultLimits()
	}
	if opts.JSON == (jsonschema.Options{}) {
		opts.JSON = jsonschema.DefaultOptions()
	}

	lex := grammar.NewLexerSpec(nil)
	out := &Compiled{MaxTokens: tlg.MaxTokens}
	grammars := make(map[string]*grammar.Grammar, len(tlg.Grammars))
	var top *grammar.Grammar
	for i, gwl := range tlg.Grammars {
		name := gwl.Name
		if name == "" {
			name = fmt.Sprintf("grammar_%d", i)
		}
		if _, dup := grammars[name]; dup {
			return nil, fmt.Errorf("%w: duplicate grammar name %q", api.ErrInvalidGrammar, name)
		}

		g, err := compileOne(name, &gwl, lex, opts, out, i == 0)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", api.ErrInvalidGrammar, name, err)
		}
		grammars[name] = g
		if i == 0 {
			top = g
		}
	}

	if err := grammar.ResolveNested(top, grammars); err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrInvalidGrammar, err)
	}
	g := top.Optimize()
	if size := g.Stats().RHSLength; size > opts.Limits.MaxGrammarSize {
		return nil, fmt.Errorf("%w: %w: %d > %d", api.ErrInvalidGrammar, grammar.ErrGrammarTooLarge, size, opts.Limits.MaxGrammarSize)
	}
	cg, err := grammar.Compile(g)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrInvalidGrammar, err)
	}
	out.Grammar = cg
	return out, nil
}

func compileOne(name string, gwl *api.GrammarWithLexer, lex *grammar.LexerSpec, opts CompileOptions, out *Compiled, entry bool) (*grammar.Grammar, error) {
	switch gwl.Kind() {
	case "lark":
		lo := lark.Options{
			Name:             name,
			Lexer:            lex,
			AllowInvalidUTF8: gwl.AllowInvalidUTF8,
			JSON:             opts.JSON,
		}
		if opts.Trie != nil {
			trie := opts.Trie
			lo.TokenBytes = func(id uint32) ([]byte, bool) {
				if int(id) >= trie.VocabSize() {
					return nil, false
				}
				return trie.TokenBytes(toktrie.TokenID(id)), true
			}
		}
		res, err := lark.Compile(gwl.LarkGrammar, lo)
		if err != nil {
			return nil, err
		}
		out.Warnings = append(out.Warnings, res.Warnings...)
		if entry {
			out.Guidance = res.Guidance
		}
		return res.Grammar, nil
	case "json_schema":
		g, warnings, err := jsonschema.CompileGrammar(name, lex, gwl.JSONSchema, opts.JSON)
		out.Warnings = append(out.Warnings, warnings...)
		return g, err
	case "ebnf":
		start := gwl.Start
		if start == "" {
			start = "start"
		}
		return grammar.FromEBNF(name, strings.NewReader(gwl.EBNF), start, lex)
	default:
		return nil, errors.New("grammar has no source")
	}
}
