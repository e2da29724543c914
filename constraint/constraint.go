package constraint

import (
	"github.com/ollama/constrain/api"
	"github.com/ollama/constrain/toktrie"
)

// MaskResult is the outcome of one mask computation.
type MaskResult struct {
	// Sample is nil when the constraint has stopped.
	Sample      *toktrie.Bitmask
	Temperature float32
	IsStop      bool
}

// API converts the result for callers across the boundary.
func (r MaskResult) API() api.MaskResult {
	out := api.MaskResult{Temperature: r.Temperature, IsStop: r.IsStop}
	if r.Sample != nil {
		out.Mask = r.Sample.Words()
	}
	return out
}

// Constraint runs a TokenParser in the two-call loop of a sampler: compute
// the mask, sample, commit. Forced tokens are appended after each commit
// when the caller supports them.
type Constraint struct {
	tp *TokenParser
}

func NewConstraint(tp *TokenParser) *Constraint {
	return &Constraint{tp: tp}
}

func (c *Constraint) Parser() *TokenParser { return c.tp }

// ProcessPrompt heals the prompt; see TokenParser.ProcessPrompt. It must be
// called before the first ComputeMask, even with an empty prompt.
func (c *Constraint) ProcessPrompt(prompt []toktrie.TokenID) ([]toktrie.TokenID, error) {
	return c.tp.ProcessPrompt(prompt)
}

func (c *Constraint) ComputeMask() (MaskResult, error) {
	if c.tp.state == stateFresh {
		return MaskResult{}, api.ErrNotStarted
	}
	if c.tp.IsStopped() {
		return MaskResult{IsStop: true}, nil
	}
	mask, err := c.tp.ComputeMask()
	if err != nil {
		return MaskResult{}, err
	}
	if c.tp.IsStopped() {
		return MaskResult{IsStop: true}, nil
	}
	return MaskResult{Sample: mask, Temperature: c.tp.Temperature()}, nil
}

// CommitToken commits the sampled token. The caller removes Backtrack
// tokens from its sequence and then appends FFTokens, which start with tok
// unless tok itself was retracted. A nil tok acknowledges a stop.
func (c *Constraint) CommitToken(tok *toktrie.TokenID) (api.CommitResult, error) {
	if c.tp.state == stateFresh {
		return api.CommitResult{}, api.ErrNotStarted
	}
	if tok == nil {
		return api.CommitResult{Stop: c.tp.IsStopped()}, nil
	}

	bt, err := c.tp.ConsumeToken(*tok)
	if err != nil {
		return api.CommitResult{Stop: true}, err
	}

	var res api.CommitResult
	if bt == 0 {
		res.FFTokens = []uint32{uint32(*tok)}
	} else {
		res.Backtrack = bt - 1
	}

	if c.tp.caps.FFTokens && !c.tp.IsStopped() {
		fbt, ff, err := c.tp.ConsumeFFTokens()
		if err != nil {
			return api.CommitResult{Stop: true}, err
		}
		k := min(fbt, len(res.FFTokens))
		res.FFTokens = res.FFTokens[:len(res.FFTokens)-k]
		res.Backtrack += fbt - k
		for _, t := range ff {
			res.FFTokens = append(res.FFTokens, uint32(t))
		}
	}

	res.Stop = c.tp.IsStopped()
	return res, nil
}

func (c *Constraint) FlushLogs() string { return c.tp.FlushLogs() }
