package sample

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ollama/constrain/api"
	"github.com/ollama/constrain/constraint"
	"github.com/ollama/constrain/logutil"
	"github.com/ollama/constrain/toktrie"
)

// Options configure a Constrained sampler. Zero values disable the
// corresponding transform; a zero Temperature samples greedily.
type Options struct {
	Temperature float64
	TopK        int
	TopP        float64
	MinP        float64
	Seed        *uint64
}

// Constrained samples tokens that keep the output inside a grammar. It owns
// the generated token sequence so backtracking and forced tokens are applied
// in one place.
type Constrained struct {
	c        *constraint.Constraint
	opts     Options
	weighted Sampler
	tokens   []toktrie.TokenID
}

func NewConstrained(c *constraint.Constraint, opts Options) *Constrained {
	return &Constrained{c: c, opts: opts, weighted: Weighted(opts.Seed)}
}

// Tokens returns the generated tokens so far.
func (s *Constrained) Tokens() []toktrie.TokenID {
	return s.tokens
}

func (s *Constrained) transforms(temp float64) []Transform {
	ts := []Transform{Temperature(temp)}
	if s.opts.TopK > 0 {
		ts = append(ts, TopK(s.opts.TopK))
	}
	if s.opts.TopP > 0 && s.opts.TopP < 1 {
		ts = append(ts, TopP(s.opts.TopP))
	}
	if s.opts.MinP > 0 && s.opts.MinP < 1 {
		ts = append(ts, MinP(s.opts.MinP))
	}
	return ts
}

// Step masks logits, samples one token and commits it. logits is modified in
// place. The returned result has already been applied to Tokens.
func (s *Constrained) Step(logits []float32) (api.CommitResult, error) {
	m, err := s.c.ComputeMask()
	if err != nil {
		return api.CommitResult{Stop: true}, err
	}
	if m.IsStop {
		return s.c.CommitToken(nil)
	}

	tok, err := s.pick(logits, m)
	if err != nil {
		return api.CommitResult{Stop: true}, err
	}

	res, err := s.c.CommitToken(&tok)
	if err != nil {
		return res, err
	}

	if res.Backtrack > len(s.tokens) {
		return res, fmt.Errorf("backtrack %d past %d generated tokens", res.Backtrack, len(s.tokens))
	}
	s.tokens = s.tokens[:len(s.tokens)-res.Backtrack]
	for _, t := range res.FFTokens {
		s.tokens = append(s.tokens, toktrie.TokenID(t))
	}
	logutil.Trace("sample step", "token", tok, "backtrack", res.Backtrack, "ff", res.FFTokens, "stop", res.Stop)
	return res, nil
}

func (s *Constrained) pick(logits []float32, m constraint.MaskResult) (toktrie.TokenID, error) {
	if tok, ok := m.Sample.Single(); ok {
		return tok, nil
	}

	MaskLogits(logits, m.Sample)

	temp := s.opts.Temperature
	if m.Temperature > 0 {
		temp = float64(m.Temperature)
	}

	var idx int
	var err error
	if temp == 0 {
		idx, err = Greedy().Sample(logits)
	} else {
		idx, err = s.weighted.Sample(logits, s.transforms(temp)...)
	}
	if errors.Is(err, ErrNoValidLogits) {
		// the model put no finite weight on any allowed token
		slog.Debug("no finite logit inside mask, taking first allowed token")
		for tok := range m.Sample.Tokens {
			return tok, nil
		}
	}
	if err != nil {
		return 0, err
	}
	return toktrie.TokenID(idx), nil
}

// Generate runs Step until the constraint stops or next fails. next returns
// the logits for the current token sequence.
func (s *Constrained) Generate(next func(tokens []toktrie.TokenID) ([]float32, error)) ([]toktrie.TokenID, error) {
	for {
		logits, err := next(s.tokens)
		if err != nil {
			return s.tokens, err
		}
		res, err := s.Step(logits)
		if err != nil {
			return s.tokens, err
		}
		if res.Stop {
			return s.tokens, nil
		}
	}
}
