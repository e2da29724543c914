package regex

import (
	"errors"
	"fmt"
)

var ErrTooManyStates = errors.New("lexer automaton exceeded its state budget")

const unknown = ^ExprRef(0)

type stateInfo struct {
	next      [256]ExprRef
	accepting bool
	first     *ByteSet
}

// Automaton is a lazily built DFA over an ExprSet. States are expressions;
// transitions are derivatives with dead (empty-language) states collapsed to
// NoMatch. An Automaton caches transitions locally and must not be shared
// between goroutines; the ExprSet behind it may be.
type Automaton struct {
	set       *ExprSet
	states    map[ExprRef]*stateInfo
	maxStates int
	err       error
}

type AutomatonOption func(*Automaton)

// WithMaxStates bounds the number of distinct states the automaton visits.
func WithMaxStates(n int) AutomatonOption {
	return func(a *Automaton) {
		a.maxStates = n
	}
}

func NewAutomaton(set *ExprSet, opts ...AutomatonOption) *Automaton {
	a := &Automaton{
		set:       set,
		states:    make(map[ExprRef]*stateInfo),
		maxStates: 250_000,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Err reports a state-budget overflow. Once set, every transition fails.
func (a *Automaton) Err() error {
	return a.err
}

// NumStates returns the number of states visited so far.
func (a *Automaton) NumStates() int {
	return len(a.states)
}

func (a *Automaton) info(s ExprRef) *stateInfo {
	if info, ok := a.states[s]; ok {
		return info
	}
	if len(a.states) >= a.maxStates && a.err == nil {
		a.err = fmt.Errorf("%w (%d states)", ErrTooManyStates, a.maxStates)
	}
	info := &stateInfo{accepting: a.set.Nullable(s)}
	for i := range info.next {
		info.next[i] = unknown
	}
	a.states[s] = info
	return info
}

// Next returns the state reached from s by b, or NoMatch when no string
// starting with b is accepted from s.
func (a *Automaton) Next(s ExprRef, b byte) ExprRef {
	if s == NoMatch || a.err != nil {
		return NoMatch
	}
	info := a.info(s)
	if n := info.next[b]; n != unknown {
		return n
	}
	n := a.set.step(s, b)
	info.next[b] = n
	return n
}

// Accepting reports whether s matches the empty string.
func (a *Automaton) Accepting(s ExprRef) bool {
	if s == NoMatch {
		return false
	}
	return a.info(s).accepting
}

// FirstBytes returns the bytes that have a live transition out of s.
func (a *Automaton) FirstBytes(s ExprRef) ByteSet {
	if s == NoMatch {
		return ByteSet{}
	}
	info := a.info(s)
	if info.first == nil {
		var set ByteSet
		for b := 0; b < 256; b++ {
			if a.Next(s, byte(b)) != NoMatch {
				set.Add(byte(b))
			}
		}
		info.first = &set
	}
	return *info.first
}

// CanExtend reports whether any non-empty string is accepted from s.
func (a *Automaton) CanExtend(s ExprRef) bool {
	return !a.FirstBytes(s).IsEmpty()
}

// step computes a derivative and collapses dead results to NoMatch.
func (s *ExprSet) step(e ExprRef, b byte) ExprRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.derivative(e, b)
	if !s.isRelevant(d) {
		return NoMatch
	}
	return d
}
