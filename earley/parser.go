// Package earley implements a byte-level Earley recognizer over a compiled
// grammar. Terminals are lexemes matched by a lazily built automaton; every
// byte pushed creates a new row, and popping bytes drops rows, which makes
// the parser usable as a toktrie.Recognizer.
package earley

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ollama/constrain/api"
	"github.com/ollama/constrain/grammar"
	"github.com/ollama/constrain/internal/orderedmap"
	"github.com/ollama/constrain/regex"
)

var ErrRejected = errors.New("byte rejected by grammar")

// TooComplexError reports an exceeded parser limit.
type TooComplexError struct {
	Limit string
	Value int
}

func (e *TooComplexError) Error() string {
	return fmt.Sprintf("parser too complex: %s exceeded (%d)", e.Limit, e.Value)
}

type item struct {
	ptr    grammar.RhsPtr
	origin uint32
}

// progress is a lexeme being matched since row start.
type progress struct {
	lex    grammar.LexemeIdx
	start  uint32
	state  regex.ExprRef
	tokens int
}

type row struct {
	itemStart, itemEnd int
	progStart, progEnd int
	accepting          bool
}

type capture struct {
	name  string
	value []byte
	row   int
}

type hiddenStop struct {
	lex   grammar.LexemeIdx
	start uint32
	stop  []byte
}

type Option func(*Parser)

func WithLimits(limits api.ParserLimits) Option {
	return func(p *Parser) { p.limits = limits }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Parser) { p.logger = logger }
}

// WithBacktrack controls whether hidden stop strings may retract committed
// bytes. Without it they are left in the output.
func WithBacktrack(allow bool) Option {
	return func(p *Parser) { p.allowBacktrack = allow }
}

// Parser is a single-threaded recognizer. Parsers built from the same
// CGrammar may run concurrently.
type Parser struct {
	g      *grammar.CGrammar
	lex    *grammar.LexerSpec
	dfa    *regex.Automaton
	limits api.ParserLimits
	logger *slog.Logger

	allowBacktrack bool

	rows     []row
	items    []item
	progress []progress
	bytes    []byte
	captures []capture

	lexTemp []float32

	seen      map[uint64]struct{}
	predicted []uint32
	lexSeen   []uint32
	gen       uint32

	walkDepth int
	walkBase  int
	stepItems int
	backtrack int
	warned    bool
	err       error
}

func New(g *grammar.CGrammar, opts ...Option) (*Parser, error) {
	p := &Parser{
		g:              g,
		lex:            g.Lexer(),
		limits:         api.DefaultLimits(),
		logger:         slog.Default(),
		allowBacktrack: true,
		seen:           make(map[uint64]struct{}),
		predicted:      make([]uint32, g.NumSymbols()),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.lex == nil {
		return nil, errors.New("compiled grammar has no lexer")
	}
	p.dfa = regex.NewAutomaton(p.lex.Exprs, regex.WithMaxStates(p.limits.MaxLexerStates))
	p.lexSeen = make([]uint32, p.lex.Len())
	p.lexTemp = make([]float32, p.lex.Len())
	for i := range p.lex.Lexemes {
		lx := &p.lex.Lexemes[i]
		p.lexTemp[i] = lx.Temperature
		for _, t := range g.TerminalsFor(lx.Idx) {
			p.lexTemp[i] = max(p.lexTemp[i], g.Symbol(t).Props.Temperature)
		}
	}

	p.beginRow()
	for _, ptr := range g.Symbol(g.Start()).Rules {
		p.addItem(item{ptr: ptr, origin: 0})
	}
	p.closure(0)
	p.finishRow()
	if err := p.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Parser) Grammar() *grammar.CGrammar { return p.g }

// Len is the number of bytes pushed.
func (p *Parser) Len() int { return len(p.bytes) }

func (p *Parser) Bytes() []byte { return p.bytes }

func (p *Parser) top() int { return len(p.rows) - 1 }

func (p *Parser) recording() bool { return p.walkDepth == 0 }

func (p *Parser) beginRow() {
	p.gen++
	clear(p.seen)
	p.rows = append(p.rows, row{itemStart: len(p.items), progStart: len(p.progress)})
}

func (p *Parser) finishRow() {
	k := p.top()
	r := &p.rows[k]
	r.itemEnd = len(p.items)
	r.progEnd = len(p.progress)
	r.accepting = k == 0 && p.g.Symbol(p.g.Start()).Nullable()
	for _, it := range p.items[r.itemStart:r.itemEnd] {
		if it.origin == 0 && p.g.SymAt(it.ptr) == grammar.CSymNull && p.g.RuleLHS(it.ptr) == p.g.Start() {
			r.accepting = true
			break
		}
	}
}

func (p *Parser) addItem(it item) {
	key := uint64(it.ptr)<<32 | uint64(it.origin)
	if _, ok := p.seen[key]; ok {
		return
	}
	p.seen[key] = struct{}{}
	p.items = append(p.items, it)
	p.stepItems++
}

func (p *Parser) addProgress(lex grammar.LexemeIdx) {
	if p.lexSeen[lex] == p.gen {
		return
	}
	p.lexSeen[lex] = p.gen
	state := p.lex.Lexeme(lex).Rx
	if !p.dfa.CanExtend(state) {
		return
	}
	p.progress = append(p.progress, progress{lex: lex, start: uint32(p.top()), state: state})
}

// closure predicts and completes items of the top row, starting at index
// from of the item array.
func (p *Parser) closure(from int) {
	k := uint32(p.top())
	rowStart := p.rows[k].itemStart
	for i := from; i < len(p.items); i++ {
		it := p.items[i]
		sym := p.g.SymAt(it.ptr)
		switch {
		case sym == grammar.CSymNull:
			lhs := p.g.RuleLHS(it.ptr)
			if p.recording() {
				if cs := p.g.Symbol(lhs); cs.Flags&grammar.FlagCapture != 0 {
					p.capture(cs.Props.CaptureName, p.bytes[it.origin:])
				}
			}
			// completions at their own row are covered by nullable skips
			if it.origin != k {
				p.complete(lhs, it.origin)
			}
		case p.g.Symbol(sym).IsTerminal():
			p.addProgress(p.g.Symbol(sym).Lexeme)
		default:
			cs := p.g.Symbol(sym)
			if p.predicted[sym] != p.gen {
				p.predicted[sym] = p.gen
				for _, ptr := range cs.Rules {
					p.addItem(item{ptr: ptr, origin: k})
				}
			}
			if cs.Nullable() {
				p.addItem(item{ptr: it.ptr + 1, origin: it.origin})
			}
		}

		if n := len(p.items) - rowStart; n > p.limits.MaxItemsInRow {
			p.err = &TooComplexError{Limit: "max_items_in_row", Value: n}
			return
		}
	}
}

func (p *Parser) complete(sym grammar.CSymIdx, origin uint32) {
	r := p.rows[origin]
	for _, it := range p.items[r.itemStart:r.itemEnd] {
		if p.g.SymAt(it.ptr) == sym {
			p.addItem(item{ptr: it.ptr + 1, origin: it.origin})
		}
	}
}

// scan advances the items of row start waiting for a terminal of lex, which
// has just matched value followed by the stop string stop.
func (p *Parser) scan(lex grammar.LexemeIdx, start uint32, value, stop []byte) {
	r := p.rows[start]
	for _, it := range p.items[r.itemStart:r.itemEnd] {
		sym := p.g.SymAt(it.ptr)
		if sym == grammar.CSymNull {
			continue
		}
		cs := p.g.Symbol(sym)
		if !cs.IsTerminal() || cs.Lexeme != lex {
			continue
		}
		if p.recording() {
			if cs.Props.CaptureName != "" {
				p.capture(cs.Props.CaptureName, value)
			}
			if cs.Props.StopCaptureName != "" {
				p.capture(cs.Props.StopCaptureName, stop)
			}
		}
		p.addItem(item{ptr: it.ptr + 1, origin: it.origin})
	}
}

func (p *Parser) capture(name string, value []byte) {
	p.captures = append(p.captures, capture{name: name, value: bytes.Clone(value), row: p.top()})
}

// stopLen returns the length of the longest stop string ending matched.
func (p *Parser) stopLen(spec *grammar.LexemeSpec, matched []byte) int {
	n := 0
	for _, s := range spec.Stops {
		if len(s) > n && bytes.HasSuffix(matched, []byte(s)) {
			n = len(s)
		}
	}
	return n
}

// push adds a row for b. On failure the parser is unchanged.
func (p *Parser) push(b byte) bool {
	if p.err != nil {
		return false
	}
	prev := p.rows[p.top()]
	p.bytes = append(p.bytes, b)
	p.beginRow()
	k := p.top()

	// lexemes that could end before b but also take b keep it, so the
	// lexemes that would start after them do not see b
	extends := p.extendsThrough(prev, k-1, b)

	var hidden *hiddenStop
	for _, pr := range p.progress[prev.progStart:prev.progEnd] {
		if extends && int(pr.start) == k-1 {
			continue
		}
		next := p.dfa.Next(pr.state, b)
		if next == regex.NoMatch {
			continue
		}
		spec := p.lex.Lexeme(pr.lex)
		if p.dfa.Accepting(next) {
			switch {
			case spec.HasHiddenStop() && p.recording() && p.allowBacktrack:
				if hidden == nil {
					matched := p.bytes[pr.start:]
					stop := bytes.Clone(matched[len(matched)-p.stopLen(spec, matched):])
					hidden = &hiddenStop{lex: pr.lex, start: pr.start, stop: stop}
				}
			default:
				if spec.HasHiddenStop() && p.recording() && !p.warned {
					p.warned = true
					p.logger.Warn("stop string kept in output: backtracking is disabled", "lexeme", spec.Name)
				}
				matched := p.bytes[pr.start:]
				n := len(matched) - p.stopLen(spec, matched)
				p.scan(pr.lex, pr.start, matched[:n], matched[n:])
			}
			if spec.Lazy {
				continue
			}
		}
		if p.dfa.CanExtend(next) {
			p.progress = append(p.progress, progress{lex: pr.lex, start: pr.start, state: next, tokens: pr.tokens})
		}
	}

	p.closure(p.rows[k].itemStart)
	p.finishRow()
	if err := p.Err(); err != nil {
		p.truncate(k - 1)
		return false
	}
	if p.stepItems > p.limits.StepMaxItems {
		p.err = &TooComplexError{Limit: "step_max_items", Value: p.stepItems}
		p.truncate(k - 1)
		return false
	}
	r := p.rows[k]
	if hidden == nil && r.progEnd == r.progStart && !r.accepting {
		p.truncate(k - 1)
		return false
	}
	if hidden != nil {
		p.applyHidden(hidden)
	}
	return true
}

// extendsThrough reports whether a greedy lexeme that matched up to row k
// can also consume b. Lexemes match the longest input, so such a lexeme does
// not end at k when b follows.
func (p *Parser) extendsThrough(r row, k int, b byte) bool {
	for _, pr := range p.progress[r.progStart:r.progEnd] {
		if int(pr.start) >= k || !p.dfa.Accepting(pr.state) {
			continue
		}
		if spec := p.lex.Lexeme(pr.lex); spec.Lazy || spec.HasHiddenStop() {
			continue
		}
		if p.dfa.Next(pr.state, b) != regex.NoMatch {
			return true
		}
	}
	return false
}

// applyHidden completes a lexeme whose stop string must not appear in the
// output: the rows for the stop string are dropped and the completion is
// applied at the row before it.
func (p *Parser) applyHidden(h *hiddenStop) {
	target := p.top() - len(h.stop)
	p.truncate(target)
	p.backtrack = len(h.stop)

	p.gen++
	clear(p.seen)
	r := &p.rows[target]
	for _, it := range p.items[r.itemStart:r.itemEnd] {
		p.seen[uint64(it.ptr)<<32|uint64(it.origin)] = struct{}{}
		if int(it.origin) == target && p.g.RuleStart(it.ptr) == it.ptr {
			p.predicted[p.g.RuleLHS(it.ptr)] = p.gen
		}
	}
	keep := r.progStart
	for _, pr := range p.progress[r.progStart:r.progEnd] {
		if pr.lex == h.lex && pr.start == h.start {
			continue
		}
		if int(pr.start) == target {
			p.lexSeen[pr.lex] = p.gen
		}
		p.progress[keep] = pr
		keep++
	}
	p.progress = p.progress[:keep]

	from := len(p.items)
	p.scan(h.lex, h.start, p.bytes[h.start:], h.stop)
	p.closure(from)
	p.finishRow()
}

// truncate drops every row after top.
func (p *Parser) truncate(top int) {
	r := p.rows[top]
	p.rows = p.rows[:top+1]
	p.items = p.items[:r.itemEnd]
	p.progress = p.progress[:r.progEnd]
	p.bytes = p.bytes[:top]
	n := len(p.captures)
	for n > 0 && p.captures[n-1].row > top {
		n--
	}
	p.captures = p.captures[:n]
}

// TryPushByte implements toktrie.Recognizer.
func (p *Parser) TryPushByte(b byte) bool {
	return p.push(b)
}

// PopBytes implements toktrie.Recognizer.
func (p *Parser) PopBytes(n int) {
	p.truncate(p.top() - n)
}

// Collapse implements toktrie.Recognizer. Earley rows are the parse state
// itself, so there is no history to drop.
func (p *Parser) Collapse() {}

func (p *Parser) TrieStarted(label string) {
	if p.walkDepth == 0 {
		p.walkBase = p.top()
		p.stepItems = 0
	}
	p.walkDepth++
}

func (p *Parser) TrieFinished() {
	p.walkDepth--
	if p.walkDepth == 0 && p.top() > p.walkBase {
		p.truncate(p.walkBase)
	}
}

func (p *Parser) Err() error {
	if p.err != nil {
		return p.err
	}
	if err := p.dfa.Err(); err != nil {
		return &TooComplexError{Limit: "max_lexer_states", Value: p.dfa.NumStates()}
	}
	return nil
}

// ApplyBytes commits bs. It returns the number of bytes, counted from the
// end of bs, that the caller must retract because a hidden stop string was
// matched; bytes after the stop string are not applied.
func (p *Parser) ApplyBytes(bs []byte) (int, error) {
	p.stepItems = 0
	for i, b := range bs {
		p.backtrack = 0
		if !p.push(b) {
			if err := p.Err(); err != nil {
				return 0, err
			}
			return 0, fmt.Errorf("%w: %q at offset %d", ErrRejected, b, len(p.bytes))
		}
		if p.backtrack > 0 {
			return p.backtrack + len(bs) - i - 1, nil
		}
	}
	return 0, nil
}

// TokenBoundary records that a token ended at the current position. Lexemes
// that have spanned their maximum number of tokens cannot continue.
func (p *Parser) TokenBoundary() {
	k := p.top()
	r := &p.rows[k]
	keep := r.progStart
	for _, pr := range p.progress[r.progStart:r.progEnd] {
		if int(pr.start) < k {
			pr.tokens++
			if limit := p.lex.Lexeme(pr.lex).MaxTokens; limit > 0 && pr.tokens >= limit {
				continue
			}
		}
		p.progress[keep] = pr
		keep++
	}
	p.progress = p.progress[:keep]
	r.progEnd = keep
}

func (p *Parser) IsAccepting() bool {
	return p.rows[p.top()].accepting
}

// CanAdvance reports whether any byte can follow.
func (p *Parser) CanAdvance() bool {
	r := p.rows[p.top()]
	return r.progEnd > r.progStart
}

// NextBytes returns the bytes that some lexeme in progress accepts next.
func (p *Parser) NextBytes() regex.ByteSet {
	var set regex.ByteSet
	r := p.rows[p.top()]
	for _, pr := range p.progress[r.progStart:r.progEnd] {
		set = set.Union(p.dfa.FirstBytes(pr.state))
	}
	return set
}

// ForceBytes commits bytes as long as exactly one byte can follow and the
// input is not yet a complete sentence. It returns the committed bytes.
func (p *Parser) ForceBytes() []byte {
	p.stepItems = 0
	var forced []byte
	for !p.IsAccepting() {
		r := p.rows[p.top()]
		hidden := false
		for _, pr := range p.progress[r.progStart:r.progEnd] {
			if p.lex.Lexeme(pr.lex).HasHiddenStop() {
				hidden = true
				break
			}
		}
		if hidden {
			break
		}
		b, ok := p.NextBytes().Single()
		if !ok || !p.push(b) {
			break
		}
		forced = append(forced, b)
	}
	return forced
}

// Temperature is the highest temperature among lexemes in progress.
func (p *Parser) Temperature() float32 {
	var t float32
	r := p.rows[p.top()]
	for _, pr := range p.progress[r.progStart:r.progEnd] {
		t = max(t, p.lexTemp[pr.lex])
	}
	return t
}

// Captures returns captured values by name in order of first capture. Later
// captures of the same name replace earlier ones.
func (p *Parser) Captures() *orderedmap.Map[string, []byte] {
	m := orderedmap.New[string, []byte]()
	for _, c := range p.captures {
		m.Set(c.name, c.value)
	}
	return m
}

type Stats struct {
	Rows        int
	Items       int
	LexerStates int
}

func (p *Parser) Stats() Stats {
	return Stats{Rows: len(p.rows), Items: len(p.items), LexerStates: p.dfa.NumStates()}
}

func (p *Parser) String() string {
	var sb bytes.Buffer
	for i, r := range p.rows {
		fmt.Fprintf(&sb, "row %d", i)
		if i > 0 {
			fmt.Fprintf(&sb, " after %q", p.bytes[i-1])
		}
		if r.accepting {
			sb.WriteString(" accepting")
		}
		sb.WriteByte('\n')
		for _, it := range p.items[r.itemStart:r.itemEnd] {
			fmt.Fprintf(&sb, "  %s @%d\n", p.g.RuleString(it.ptr), it.origin)
		}
		for _, pr := range p.progress[r.progStart:r.progEnd] {
			fmt.Fprintf(&sb, "  lexeme %s @%d\n", p.lex.Lexeme(pr.lex).Name, pr.start)
		}
	}
	return sb.String()
}
