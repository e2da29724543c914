package constraint

import (
	"fmt"

	"github.com/ollama/constrain/api"
	"github.com/ollama/constrain/internal/orderedmap"
	"github.com/ollama/constrain/toktrie"
)

// Matcher is a TokenParser for callers that manage their own token
// sequence. The first error puts the matcher in an error state that every
// later call reports.
type Matcher struct {
	tp  *TokenParser
	err error
}

func newMatcher(tp *TokenParser) *Matcher {
	m := &Matcher{tp: tp}
	if err := tp.startWithoutPrompt(); err != nil {
		m.err = err
	}
	return m
}

func (m *Matcher) latch(err error) error {
	if err != nil && m.err == nil {
		m.err = err
	}
	return err
}

// Err returns the error the matcher is stuck on, if any.
func (m *Matcher) Err() error { return m.err }

func (m *Matcher) IsStopped() bool { return m.err != nil || m.tp.IsStopped() }

func (m *Matcher) StopReason() api.StopReason {
	if m.tp == nil {
		return api.InternalError
	}
	return m.tp.StopReason()
}

func (m *Matcher) IsAccepting() bool { return m.err == nil && m.tp.IsAccepting() }

func (m *Matcher) ComputeMask() (*toktrie.Bitmask, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.tp.IsStopped() {
		return eosMask(m.tp.trie), nil
	}
	mask, err := m.tp.ComputeMask()
	if err != nil {
		return nil, m.latch(err)
	}
	if m.tp.IsStopped() {
		return eosMask(m.tp.trie), nil
	}
	return mask, nil
}

// eosMask allows only EOS: a stopped matcher keeps asking to end.
func eosMask(trie *toktrie.TokTrie) *toktrie.Bitmask {
	mask := toktrie.NewBitmask(trie.VocabSize())
	mask.Allow(trie.EOS())
	return mask
}

// ComputeMaskInto writes the mask into dst, which must hold one bit per
// vocabulary token.
func (m *Matcher) ComputeMaskInto(dst []uint32) error {
	mask, err := m.ComputeMask()
	if err != nil {
		return err
	}
	return m.latch(mask.CopyTo(dst))
}

func (m *Matcher) ConsumeToken(tok toktrie.TokenID) error {
	return m.ConsumeTokens([]toktrie.TokenID{tok})
}

// ConsumeTokens commits toks in order. EOS after the matcher stopped is
// accepted.
func (m *Matcher) ConsumeTokens(toks []toktrie.TokenID) error {
	if m.err != nil {
		return m.err
	}
	for _, tok := range toks {
		if m.tp.IsStopped() {
			if m.tp.trie.IsEOS(tok) {
				continue
			}
			return m.latch(fmt.Errorf("token %d after stop (%s)", tok, m.tp.StopReason()))
		}
		bt, err := m.tp.ConsumeToken(tok)
		if err != nil {
			return m.latch(err)
		}
		if bt != 0 {
			return m.latch(fmt.Errorf("%w: matcher cannot backtrack", ErrForcedBacktrack))
		}
	}
	return nil
}

func (m *Matcher) Rollback(n int) error {
	if m.err != nil {
		return m.err
	}
	return m.latch(m.tp.Rollback(n))
}

// ValidateTokens returns how many of toks would be accepted in order,
// without committing them.
func (m *Matcher) ValidateTokens(toks []toktrie.TokenID) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	if m.tp.IsStopped() {
		n := 0
		for n < len(toks) && m.tp.trie.IsEOS(toks[n]) {
			n++
		}
		return n, nil
	}
	return m.tp.ValidateTokens(toks)
}

// ComputeFFTokens returns the tokens the grammar forces next without
// committing them.
func (m *Matcher) ComputeFFTokens() []toktrie.TokenID {
	if m.err != nil || m.tp.IsStopped() {
		return nil
	}
	_, toks, err := m.tp.ComputeFFTokens()
	if m.latch(err) != nil {
		return nil
	}
	return toks
}

// Captures returns the named captures matched so far.
func (m *Matcher) Captures() *orderedmap.Map[string, []byte] {
	if m.tp == nil {
		return nil
	}
	return m.tp.Captures()
}

// Bytes returns the text consumed so far.
func (m *Matcher) Bytes() []byte {
	if m.tp == nil {
		return nil
	}
	return m.tp.Bytes()
}

func (m *Matcher) FlushLogs() string {
	if m.tp == nil {
		return ""
	}
	return m.tp.FlushLogs()
}
