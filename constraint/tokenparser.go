package constraint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ollama/constrain/api"
	"github.com/ollama/constrain/earley"
	"github.com/ollama/constrain/grammar"
	"github.com/ollama/constrain/internal/orderedmap"
	"github.com/ollama/constrain/logutil"
	"github.com/ollama/constrain/toktrie"
)

var (
	ErrPromptProcessed = errors.New("prompt already processed")
	ErrTokenRange      = errors.New("token id out of range")
	// ErrForcedBacktrack means committing forced tokens asked to retract
	// bytes, which forced bytes never should.
	ErrForcedBacktrack = errors.New("forced tokens required a backtrack")
)

type state int

const (
	stateFresh state = iota
	stateActive
	stateStopped
)

// committed is a consumed token together with the lengths it was consumed
// at, so that rolling it back restores both buffers exactly.
type committed struct {
	tok        toktrie.TokenID
	llmLen     int
	grammarLen int
}

type Option func(*TokenParser)

func WithCapabilities(caps api.InferenceCapabilities) Option {
	return func(p *TokenParser) { p.caps = caps }
}

func WithLimits(limits api.ParserLimits) Option {
	return func(p *TokenParser) { p.limits = limits }
}

// WithMaxTokens sets the token budget. Zero means unlimited.
func WithMaxTokens(n int) Option {
	return func(p *TokenParser) { p.maxTokens = n }
}

// WithLogLevel sets the verbosity of the instance log returned by
// FlushLogs: 0 none, 1 warn, 2 info, 3 debug.
func WithLogLevel(level int) Option {
	return func(p *TokenParser) { p.logLevel = level }
}

// WithNoForcing disables forced bytes and fast-forward tokens; every step
// goes through a full mask computation.
func WithNoForcing(noForcing bool) Option {
	return func(p *TokenParser) { p.noForcing = noForcing }
}

// WithSpaceHack accounts for tokenizers that prepend a space when encoding
// the start of a text. When the healed prompt tokenizes to one extra leading
// space, that space is treated as part of the prompt.
func WithSpaceHack(enable bool) Option {
	return func(p *TokenParser) { p.spaceHack = enable }
}

// TokenParser is the per-request state machine between a model's token
// stream and an Earley parser. It is not safe for concurrent use; many
// TokenParsers may share one compiled grammar and trie.
type TokenParser struct {
	env    toktrie.TokEnv
	trie   *toktrie.TokTrie
	parser *earley.Parser

	caps      api.InferenceCapabilities
	limits    api.ParserLimits
	maxTokens int
	noForcing bool
	spaceHack bool

	id       uuid.UUID
	logLevel int
	logs     bytes.Buffer
	logger   *slog.Logger

	state  state
	reason api.StopReason
	err    error

	// healed holds prompt bytes that were cut from the prompt and must be
	// produced again before any grammar bytes.
	healed []byte
	// llmBytes are the bytes of the tokens committed after the prompt,
	// possibly preceded by grammar bytes moved into the prompt.
	llmBytes []byte
	tokens   []committed

	lastEOS bool

	// derived values; cleared on every mutation
	memo struct {
		valid     bool
		accepting bool
		ff        []toktrie.TokenID
		ffDone    bool
	}
}

func NewTokenParser(env toktrie.TokEnv, cg *grammar.CGrammar, opts ...Option) (*TokenParser, error) {
	p := &TokenParser{
		env:      env,
		trie:     env.TokTrie(),
		limits:   api.DefaultLimits(),
		id:       uuid.New(),
		logLevel: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logutil.NewInstanceLogger(&p.logs, p.logLevel, "instance", p.id.String()[:8])

	parser, err := earley.New(cg,
		earley.WithLimits(p.limits),
		earley.WithLogger(p.logger),
		earley.WithBacktrack(p.caps.Backtrack),
	)
	if err != nil {
		return nil, err
	}
	p.parser = parser
	return p, nil
}

func (p *TokenParser) ID() uuid.UUID { return p.id }

// FlushLogs returns and clears the instance log.
func (p *TokenParser) FlushLogs() string {
	s := p.logs.String()
	p.logs.Reset()
	return s
}

// Error returns the message of the error that stopped the parser, if any.
func (p *TokenParser) Error() string {
	if p.err == nil {
		return ""
	}
	return p.err.Error()
}

func (p *TokenParser) StopReason() api.StopReason { return p.reason }

func (p *TokenParser) IsStopped() bool { return p.state == stateStopped }

// Tokens returns the tokens committed after the prompt.
func (p *TokenParser) Tokens() []toktrie.TokenID {
	out := make([]toktrie.TokenID, len(p.tokens))
	for i, c := range p.tokens {
		out[i] = c.tok
	}
	return out
}

// Bytes returns the bytes of the committed tokens.
func (p *TokenParser) Bytes() []byte { return p.llmBytes }

// Captures returns the values captured by the grammar so far.
func (p *TokenParser) Captures() *orderedmap.Map[string, []byte] {
	return p.parser.Captures()
}

// Temperature is the sampling temperature requested by the lexemes that can
// continue, or 0.
func (p *TokenParser) Temperature() float32 {
	return p.parser.Temperature()
}

func (p *TokenParser) invalidate() {
	p.memo.valid = false
	p.memo.ffDone = false
	p.memo.ff = nil
}

func (p *TokenParser) stop(reason api.StopReason, err error) {
	p.state = stateStopped
	p.reason = reason
	p.err = err
	p.invalidate()
	if err != nil {
		p.logger.Warn("stopped", "reason", reason, "error", err)
	} else {
		p.logger.Info("stopped", "reason", reason)
	}
}

// fail stops the parser after a runtime error and returns the error to
// report to the caller.
func (p *TokenParser) fail(err error) error {
	var tc *earley.TooComplexError
	reason := api.InternalError
	if errors.As(err, &tc) {
		reason = api.TooComplex
	}
	p.stop(reason, err)
	return &api.StopError{Reason: reason, Message: err.Error()}
}

func (p *TokenParser) ready() error {
	switch p.state {
	case stateFresh:
		return api.ErrNotStarted
	case stateStopped:
		return &api.StopError{Reason: p.reason, Message: p.Error()}
	}
	return nil
}

// pending returns the bytes that the next tokens must produce before the
// parser sees anything new: healed prompt bytes and grammar bytes not yet
// covered by tokens.
func (p *TokenParser) pending() []byte {
	target := append(bytes.Clone(p.healed), p.parser.Bytes()...)
	if len(p.llmBytes) >= len(target) {
		return nil
	}
	return target[len(p.llmBytes):]
}

func (p *TokenParser) targetLen() int {
	return len(p.healed) + p.parser.Len()
}

// forceBytes commits the bytes the grammar allows no alternative to.
func (p *TokenParser) forceBytes() {
	if p.noForcing {
		return
	}
	if forced := p.parser.ForceBytes(); len(forced) > 0 {
		p.invalidate()
		logutil.Trace("forced", "bytes", forced)
	}
}

// IsAccepting reports whether the committed tokens form a complete
// sentence.
func (p *TokenParser) IsAccepting() bool {
	if !p.memo.valid {
		p.memo.accepting = len(p.pending()) == 0 && p.parser.IsAccepting()
		p.memo.valid = true
	}
	return p.memo.accepting
}

// ProcessPrompt must be called once before any other step. It appends the
// bytes the grammar forces at the start to the prompt, re-tokenizes, and
// cuts off trailing tokens whose boundary could still move. It returns the
// prompt to feed the model; the bytes cut off are produced again by the
// first sampled tokens.
func (p *TokenParser) ProcessPrompt(prompt []toktrie.TokenID) ([]toktrie.TokenID, error) {
	if p.state != stateFresh {
		return nil, ErrPromptProcessed
	}
	p.state = stateActive

	for _, tok := range prompt {
		if int(tok) >= p.trie.VocabSize() {
			return nil, p.fail(fmt.Errorf("%w: %d", ErrTokenRange, tok))
		}
	}

	promptBytes := p.trie.Decode(prompt)
	p.forceBytes()
	grm := bytes.Clone(p.parser.Bytes())
	all := append(bytes.Clone(promptBytes), grm...)

	toks := p.env.TokenizeBytes(all)
	if p.spaceHack {
		if dec := p.trie.Decode(toks); len(dec) == len(all)+1 && dec[0] == ' ' && bytes.Equal(dec[1:], all) {
			all = dec
		}
	}
	chopTokens, chopBytes := p.trie.ChopTokens(p.parser, toks)
	if err := p.parser.Err(); err != nil {
		return nil, p.fail(err)
	}
	out := toks[:len(toks)-chopTokens]
	chopBytes = min(chopBytes, len(all))

	if chopBytes >= len(grm) {
		p.healed = bytes.Clone(all[len(all)-chopBytes : len(all)-len(grm)])
	} else {
		p.llmBytes = bytes.Clone(grm[:len(grm)-chopBytes])
	}
	p.invalidate()

	p.logger.Info("prompt processed", "tokens", len(prompt), "forced", len(grm), "chopped", chopTokens, "healed", len(p.healed))
	if p.checkStop() {
		return out, nil
	}
	return out, p.parser.Err()
}

// startWithoutPrompt activates the parser for callers that feed the whole
// text as tokens. Bytes forced at the start stay pending, so the first
// tokens must reproduce them.
func (p *TokenParser) startWithoutPrompt() error {
	if p.state != stateFresh {
		return ErrPromptProcessed
	}
	p.state = stateActive
	p.forceBytes()
	p.invalidate()
	p.logger.Info("started without prompt", "pending", len(p.pending()))
	if p.checkStop() {
		return nil
	}
	return p.parser.Err()
}

// ComputeMask returns the tokens allowed next. When the grammar forces a
// run of bytes that tokenizes unambiguously, only its first token is
// allowed. EOS is allowed whenever the committed tokens form a complete
// sentence. An empty mask stops the parser.
func (p *TokenParser) ComputeMask() (*toktrie.Bitmask, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}

	p.forceBytes()
	mask := toktrie.NewBitmask(p.trie.VocabSize())
	if ff := p.ffTokens(); len(ff) > 0 {
		mask.Allow(ff[0])
		p.logger.Debug("mask", "forced", p.trie.TokenString(ff[0]))
		return mask, nil
	}

	p.trie.ComputeBias(p.parser, p.pending(), mask)
	if err := p.parser.Err(); err != nil {
		return nil, p.fail(err)
	}
	if p.IsAccepting() {
		mask.Allow(p.trie.EOS())
		for _, tok := range p.trie.Info().EOSAliases {
			mask.Allow(tok)
		}
	}

	if mask.IsZero() {
		p.stop(api.NoExtension, nil)
		return mask, nil
	}
	if p.logger.Enabled(context.Background(), slog.LevelDebug) {
		p.logger.Debug("mask", "allowed", mask.Count(), "temperature", p.Temperature())
	}
	return mask, nil
}

// ffTokens tokenizes the pending bytes, dropping trailing tokens that a
// longer token could replace once more bytes are known.
func (p *TokenParser) ffTokens() []toktrie.TokenID {
	if p.noForcing {
		return nil
	}
	if p.memo.ffDone {
		return p.memo.ff
	}
	p.memo.ffDone = true
	p.memo.ff = nil

	pending := p.pending()
	if len(pending) == 0 {
		return nil
	}
	toks := p.env.TokenizeBytes(pending)
	chop, covered := p.trie.ChopTokens(p.parser, toks)
	toks = toks[:len(toks)-chop]
	if !bytes.Equal(p.trie.Decode(toks), pending[:len(pending)-covered]) {
		// the tokenizer did not reproduce the bytes; let the mask decide
		return nil
	}
	p.memo.ff = toks
	return toks
}

// ConsumeToken commits tok. It returns the number of tokens, counting tok,
// that the caller must remove because a hidden stop string was matched.
func (p *TokenParser) ConsumeToken(tok toktrie.TokenID) (int, error) {
	if err := p.ready(); err != nil {
		return 0, err
	}
	if int(tok) >= p.trie.VocabSize() {
		return 0, p.fail(fmt.Errorf("%w: %d", ErrTokenRange, tok))
	}

	p.invalidate()
	c := committed{tok: tok, llmLen: len(p.llmBytes), grammarLen: p.parser.Len()}

	if p.trie.IsEOS(tok) {
		if !p.IsAccepting() {
			return 0, p.fail(fmt.Errorf("EOS token %d before the grammar accepts", tok))
		}
		p.tokens = append(p.tokens, c)
		p.lastEOS = true
		p.checkStop()
		return 0, nil
	}
	p.lastEOS = false

	tb := p.trie.TokenBytes(tok)
	pending := p.pending()
	switch {
	case len(tb) <= len(pending):
		if !bytes.HasPrefix(pending, tb) {
			return 0, p.fail(fmt.Errorf("token %s does not match forced bytes %q", p.trie.TokenString(tok), pending))
		}
	case !bytes.HasPrefix(tb, pending):
		return 0, p.fail(fmt.Errorf("token %s does not match forced bytes %q", p.trie.TokenString(tok), pending))
	default:
		bt, err := p.parser.ApplyBytes(tb[len(pending):])
		if err != nil {
			return 0, p.fail(fmt.Errorf("token %s: %w", p.trie.TokenString(tok), err))
		}
		if bt > 0 && !p.caps.Backtrack {
			return 0, p.fail(fmt.Errorf("token %s: backtrack of %d bytes without backtrack support", p.trie.TokenString(tok), bt))
		}
		if bt == 0 {
			p.parser.TokenBoundary()
		}
	}

	p.llmBytes = append(p.llmBytes, tb...)
	p.tokens = append(p.tokens, c)

	backtrack := 0
	if target := p.targetLen(); len(p.llmBytes) > target {
		for len(p.tokens) > 0 && len(p.llmBytes) > target {
			last := p.tokens[len(p.tokens)-1]
			p.tokens = p.tokens[:len(p.tokens)-1]
			p.llmBytes = p.llmBytes[:last.llmLen]
			backtrack++
		}
		p.logger.Debug("backtrack", "tokens", backtrack, "pending", len(p.pending()))
	}

	p.logger.Debug("consumed", "token", p.trie.TokenString(tok), "backtrack", backtrack)
	p.checkStop()
	return backtrack, nil
}

// checkStop stops the parser when the sentence is complete and either the
// last token was EOS or nothing can follow, or when the budget is spent.
func (p *TokenParser) checkStop() bool {
	if p.state == stateStopped {
		return true
	}
	accepting := p.IsAccepting()
	switch {
	case accepting && p.lastEOS:
		p.stop(api.EndOfSentence, nil)
	case accepting && !p.parser.CanAdvance():
		p.stop(api.NoExtension, nil)
	case p.maxTokens > 0 && len(p.tokens) >= p.maxTokens:
		p.stop(api.MaxTokensTotal, nil)
	}
	return p.state == stateStopped
}

// CheckStop reports whether the parser has stopped, stopping it first if
// the committed tokens leave nothing more to generate.
func (p *TokenParser) CheckStop() (bool, error) {
	if p.state == stateFresh {
		return false, api.ErrNotStarted
	}
	return p.checkStop(), nil
}

// TokensLeft is the remaining token budget, or -1 when unlimited.
func (p *TokenParser) TokensLeft() int {
	if p.maxTokens <= 0 {
		return -1
	}
	return max(0, p.maxTokens-len(p.tokens))
}

// Rollback retracts the last n committed tokens. A parser stopped for a
// normal reason resumes; one stopped by an error cannot be rolled back.
func (p *TokenParser) Rollback(n int) error {
	if p.state == stateFresh {
		return api.ErrNotStarted
	}
	if p.state == stateStopped && !p.reason.IsOK() {
		return &api.StopError{Reason: p.reason, Message: p.Error()}
	}
	if n < 0 || n > len(p.tokens) {
		return fmt.Errorf("cannot roll back %d of %d tokens", n, len(p.tokens))
	}
	if n == 0 {
		return nil
	}

	first := p.tokens[len(p.tokens)-n]
	p.parser.PopBytes(max(0, p.parser.Len()-first.grammarLen))
	p.llmBytes = p.llmBytes[:first.llmLen]
	p.tokens = p.tokens[:len(p.tokens)-n]
	p.lastEOS = false
	p.state = stateActive
	p.reason = api.NotStopped
	p.err = nil
	p.invalidate()
	p.logger.Debug("rollback", "tokens", n)
	return nil
}

// ComputeFFTokens returns the tokens the grammar forces next. If the last
// committed token and the forced bytes tokenize differently together, it
// asks for that token to be removed first and returns 1 as the backtrack.
func (p *TokenParser) ComputeFFTokens() (int, []toktrie.TokenID, error) {
	if err := p.ready(); err != nil {
		return 0, nil, err
	}
	p.forceBytes()
	ff := p.ffTokens()
	if len(ff) == 0 || !p.caps.Backtrack || len(p.tokens) == 0 {
		return 0, ff, nil
	}

	last := p.tokens[len(p.tokens)-1]
	lb := p.trie.TokenBytes(last.tok)
	if len(lb) == 0 || lb[0] == toktrie.SpecialTokenPrefix || last.llmLen+len(lb) != len(p.llmBytes) {
		return 0, ff, nil
	}
	pending := p.pending()
	joined := append(bytes.Clone(lb), pending...)
	toks := p.env.TokenizeBytes(joined)
	if len(toks) == 0 || toks[0] == last.tok {
		return 0, ff, nil
	}
	chop, covered := p.trie.ChopTokens(p.parser, toks)
	toks = toks[:len(toks)-chop]
	if len(toks) == 0 || !bytes.Equal(p.trie.Decode(toks), joined[:len(joined)-covered]) {
		return 0, ff, nil
	}
	return 1, toks, nil
}

// ConsumeFFTokens commits the forced tokens and returns them together with
// the number of earlier tokens they replace.
func (p *TokenParser) ConsumeFFTokens() (int, []toktrie.TokenID, error) {
	backtrack, toks, err := p.ComputeFFTokens()
	if err != nil || len(toks) == 0 {
		return 0, nil, err
	}
	if backtrack > 0 {
		if err := p.Rollback(backtrack); err != nil {
			return 0, nil, p.fail(err)
		}
	}
	for i, tok := range toks {
		bt, err := p.ConsumeToken(tok)
		if err != nil {
			return 0, nil, err
		}
		if bt > 0 {
			return 0, nil, p.fail(fmt.Errorf("%w: token %d of %d", ErrForcedBacktrack, i+1, len(toks)))
		}
		if p.IsStopped() {
			toks = toks[:i+1]
			break
		}
	}
	return backtrack, toks, nil
}

// ValidateTokens returns how many of toks, in order, the parser would
// accept. The parser state is not changed.
func (p *TokenParser) ValidateTokens(toks []toktrie.TokenID) (int, error) {
	if err := p.ready(); err != nil {
		return 0, err
	}

	p.parser.TrieStarted("validate")
	defer p.parser.TrieFinished()

	pending := p.pending()
	for i, tok := range toks {
		if int(tok) >= p.trie.VocabSize() {
			return i, nil
		}
		if p.trie.IsEOS(tok) {
			if len(pending) == 0 && p.parser.IsAccepting() {
				return i + 1, nil
			}
			return i, nil
		}
		tb := p.trie.TokenBytes(tok)
		if len(tb) <= len(pending) {
			if !bytes.HasPrefix(pending, tb) {
				return i, nil
			}
			pending = pending[len(tb):]
			continue
		}
		if !bytes.HasPrefix(tb, pending) {
			return i, nil
		}
		for _, b := range tb[len(pending):] {
			if !p.parser.TryPushByte(b) {
				return i, nil
			}
		}
		p.parser.TokenBoundary()
		pending = nil
	}
	return len(toks), nil
}

func (p *TokenParser) String() string {
	return fmt.Sprintf("TokenParser(%s, tokens=%d, state=%d, reason=%s)", p.id, len(p.tokens), p.state, p.reason)
}
