package constraint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/constrain/api"
	"github.com/ollama/constrain/envconfig"
	"github.com/ollama/constrain/grammar/jsonschema"
	"github.com/ollama/constrain/toktrie"
)

type FactoryOption func(*ParserFactory)

func WithFactoryLimits(limits api.ParserLimits) FactoryOption {
	return func(f *ParserFactory) { f.limits = limits }
}

func WithFactoryCapabilities(caps api.InferenceCapabilities) FactoryOption {
	return func(f *ParserFactory) { f.caps = caps }
}

func WithFactoryLogLevel(level int) FactoryOption {
	return func(f *ParserFactory) { f.logLevel = level }
}

func WithJSONOptions(opts jsonschema.Options) FactoryOption {
	return func(f *ParserFactory) { f.json = opts }
}

// WithCacheSize sets how many compiled grammars are kept. Zero disables the
// cache.
func WithCacheSize(n int) FactoryOption {
	return func(f *ParserFactory) { f.cacheSize = n }
}

// ParserFactory compiles grammars for one tokenizer and creates token
// parsers from them. It is safe for concurrent use.
type ParserFactory struct {
	env       toktrie.TokEnv
	limits    api.ParserLimits
	caps      api.InferenceCapabilities
	json      jsonschema.Options
	logLevel  int
	cacheSize int

	cache *lru.Cache[string, *Compiled]
}

// NewParserFactory applies the environment configuration, then opts.
func NewParserFactory(env toktrie.TokEnv, opts ...FactoryOption) (*ParserFactory, error) {
	f := &ParserFactory{
		env:       env,
		limits:    envconfig.Limits(),
		caps:      api.InferenceCapabilities{Backtrack: true, FFTokens: true},
		json:      jsonschema.DefaultOptions(),
		logLevel:  envconfig.LogLevel,
		cacheSize: envconfig.GrammarCache,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.cacheSize > 0 {
		cache, err := lru.New[string, *Compiled](f.cacheSize)
		if err != nil {
			return nil, err
		}
		f.cache = cache
	}
	return f, nil
}

func (f *ParserFactory) Env() toktrie.TokEnv { return f.env }

func cacheKey(tlg api.TopLevelGrammar) (string, error) {
	b, err := json.Marshal(tlg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Compile compiles tlg, reusing an earlier compilation of the same grammar.
func (f *ParserFactory) Compile(tlg api.TopLevelGrammar) (*Compiled, error) {
	var key string
	if f.cache != nil {
		k, err := cacheKey(tlg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", api.ErrInvalidGrammar, err)
		}
		if c, ok := f.cache.Get(k); ok {
			slog.Debug("grammar cache hit", "grammar", tlg)
			return c, nil
		}
		key = k
	}

	c, err := Compile(tlg, CompileOptions{Limits: f.limits, Trie: f.env.TokTrie(), JSON: f.json})
	if err != nil {
		return nil, err
	}
	for _, w := range c.Warnings {
		slog.Warn("grammar", "warning", w)
	}
	if f.cache != nil {
		f.cache.Add(key, c)
	}
	return c, nil
}

func (f *ParserFactory) newTokenParser(c *Compiled, caps api.InferenceCapabilities) (*TokenParser, error) {
	maxTokens := c.MaxTokens
	if maxTokens == 0 {
		maxTokens = envconfig.MaxTokens
	}
	tp, err := NewTokenParser(f.env, c.Grammar,
		WithCapabilities(caps),
		WithLimits(f.limits),
		WithMaxTokens(maxTokens),
		WithLogLevel(f.logLevel),
		WithNoForcing(c.Guidance.NoForcing),
	)
	if err != nil {
		return nil, err
	}
	for _, w := range c.Warnings {
		tp.logger.Warn("grammar", "warning", w)
	}
	return tp, nil
}

func (f *ParserFactory) NewTokenParser(tlg api.TopLevelGrammar) (*TokenParser, error) {
	c, err := f.Compile(tlg)
	if err != nil {
		return nil, err
	}
	return f.newTokenParser(c, f.caps)
}

func (f *ParserFactory) NewConstraint(tlg api.TopLevelGrammar) (*Constraint, error) {
	tp, err := f.NewTokenParser(tlg)
	if err != nil {
		return nil, err
	}
	return NewConstraint(tp), nil
}

// NewMatcher returns a matcher without backtracking or forced tokens. A
// grammar that fails to compile yields a matcher in the error state.
func (f *ParserFactory) NewMatcher(tlg api.TopLevelGrammar) *Matcher {
	c, err := f.Compile(tlg)
	if err != nil {
		return &Matcher{err: err}
	}
	tp, err := f.newTokenParser(c, api.InferenceCapabilities{})
	if err != nil {
		return &Matcher{err: err}
	}
	return newMatcher(tp)
}

// ComputeMasks computes the masks of independent constraints in parallel,
// at most envconfig.NumParallel at a time. Each constraint must be used by
// one caller only.
func ComputeMasks(ctx context.Context, cs []*Constraint) ([]MaskResult, error) {
	results := make([]MaskResult, len(cs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, envconfig.NumParallel))
	for i, c := range cs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := c.ComputeMask()
			if err != nil {
				return fmt.Errorf("constraint %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
