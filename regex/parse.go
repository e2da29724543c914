package regex

import (
	"errors"
	"fmt"
	"regexp/syntax"
	"unicode"
	"unicode/utf8"
)

var ErrUnsupported = errors.New("unsupported regex construct")

// ParseOptions control how a regular expression is translated to bytes.
type ParseOptions struct {
	// AllowInvalidUTF8 makes '.' and negated classes match any byte instead
	// of any UTF-8 encoded character.
	AllowInvalidUTF8 bool
	// JSONQuoted makes the expression match the JSON string-literal encoding
	// (without the surrounding quotes) of the strings the pattern matches.
	JSONQuoted bool
	// CaseInsensitive is equivalent to a leading (?i).
	CaseInsensitive bool
	// DotAll is equivalent to a leading (?s).
	DotAll bool
}

// Parse translates a regular expression in Go (RE2) syntax. Anchors are
// ignored: the result always matches whole inputs.
func (s *ExprSet) Parse(pattern string, opts ParseOptions) (ExprRef, error) {
	fl := syntax.Perl
	if opts.CaseInsensitive {
		fl |= syntax.FoldCase
	}
	if opts.DotAll {
		fl |= syntax.DotNL
	}
	re, err := syntax.Parse(pattern, fl)
	if err != nil {
		return NoMatch, fmt.Errorf("regex %q: %w", pattern, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := parser{set: s, opts: opts}
	r, err := p.translate(re)
	if err != nil {
		return NoMatch, fmt.Errorf("regex %q: %w", pattern, err)
	}
	return r, nil
}

// LiteralFold matches lit ignoring letter case.
func (s *ExprSet) LiteralFold(lit string) ExprRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := parser{set: s}
	var parts []ExprRef
	for _, r := range lit {
		parts = append(parts, p.runeClass(foldRanges(r)))
	}
	return s.concatN(parts)
}

type parser struct {
	set  *ExprSet
	opts ParseOptions
}

func (p *parser) translate(re *syntax.Regexp) (ExprRef, error) {
	s := p.set
	switch re.Op {
	case syntax.OpNoMatch:
		return NoMatch, nil
	case syntax.OpEmptyMatch, syntax.OpBeginLine, syntax.OpEndLine, syntax.OpBeginText, syntax.OpEndText:
		return EmptyString, nil
	case syntax.OpWordBoundary, syntax.OpNoWordBoundary:
		return NoMatch, fmt.Errorf("%w: word boundary", ErrUnsupported)
	case syntax.OpLiteral:
		parts := make([]ExprRef, 0, len(re.Rune))
		for _, r := range re.Rune {
			if re.Flags&syntax.FoldCase != 0 {
				parts = append(parts, p.runeClass(foldRanges(r)))
			} else {
				parts = append(parts, p.runeClass([]rune{r, r}))
			}
		}
		return s.concatN(parts), nil
	case syntax.OpCharClass:
		return p.runeClass(re.Rune), nil
	case syntax.OpAnyCharNotNL:
		if p.opts.AllowInvalidUTF8 && !p.opts.JSONQuoted {
			set := FullByteSet()
			set.Remove('\n')
			return s.byteSet(set), nil
		}
		return p.runeClass([]rune{0, '\n' - 1, '\n' + 1, unicode.MaxRune}), nil
	case syntax.OpAnyChar:
		if p.opts.AllowInvalidUTF8 && !p.opts.JSONQuoted {
			return s.byteSet(FullByteSet()), nil
		}
		return p.runeClass([]rune{0, unicode.MaxRune}), nil
	case syntax.OpCapture:
		return p.translate(re.Sub[0])
	case syntax.OpStar, syntax.OpPlus, syntax.OpQuest, syntax.OpRepeat:
		sub, err := p.translate(re.Sub[0])
		if err != nil {
			return NoMatch, err
		}
		switch re.Op {
		case syntax.OpStar:
			return s.repeat(sub, 0, Inf), nil
		case syntax.OpPlus:
			return s.repeat(sub, 1, Inf), nil
		case syntax.OpQuest:
			return s.repeat(sub, 0, 1), nil
		}
		max := uint32(Inf)
		if re.Max >= 0 {
			max = uint32(re.Max)
		}
		return s.repeat(sub, uint32(re.Min), max), nil
	case syntax.OpConcat, syntax.OpAlternate:
		parts := make([]ExprRef, 0, len(re.Sub))
		for _, sub := range re.Sub {
			r, err := p.translate(sub)
			if err != nil {
				return NoMatch, err
			}
			parts = append(parts, r)
		}
		if re.Op == syntax.OpConcat {
			return s.concatN(parts), nil
		}
		return s.or(parts), nil
	}
	return NoMatch, fmt.Errorf("%w: %v", ErrUnsupported, re.Op)
}

func foldRanges(r rune) []rune {
	out := []rune{r, r}
	for f := unicode.SimpleFold(r); f != r; f = unicode.SimpleFold(f) {
		out = append(out, f, f)
	}
	return out
}

// runeClass compiles pairs of inclusive rune ranges into byte sequences.
func (p *parser) runeClass(ranges []rune) ExprRef {
	var alts []ExprRef
	for i := 0; i+1 < len(ranges); i += 2 {
		lo, hi := ranges[i], ranges[i+1]
		if p.opts.JSONQuoted {
			alts = append(alts, p.jsonQuotedRange(lo, hi)...)
			continue
		}
		alts = append(alts, p.utf8Range(lo, hi)...)
	}
	return p.set.or(alts)
}

// jsonQuotedRange splits off the characters JSON requires to be escaped.
func (p *parser) jsonQuotedRange(lo, hi rune) []ExprRef {
	var alts []ExprRef
	for lo <= hi {
		switch {
		case lo < 0x20 || lo == '"' || lo == '\\':
			alts = append(alts, p.set.literal([]byte(jsonEscape(lo))))
			lo++
		default:
			end := hi
			switch {
			case lo < '"' && end >= '"':
				end = '"' - 1
			case lo < '\\' && end >= '\\':
				end = '\\' - 1
			}
			alts = append(alts, p.utf8Range(lo, end)...)
			lo = end + 1
		}
	}
	return alts
}

func jsonEscape(r rune) string {
	switch r {
	case '"':
		return `\"`
	case '\\':
		return `\\`
	case '\b':
		return `\b`
	case '\f':
		return `\f`
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	}
	return fmt.Sprintf(`\u%04x`, r)
}

var utf8Bounds = []rune{0x7f, 0x7ff, 0xffff, unicode.MaxRune}

// utf8Range returns byte-sequence expressions matching exactly the UTF-8
// encodings of runes in [lo, hi], excluding surrogates.
func (p *parser) utf8Range(lo, hi rune) []ExprRef {
	if lo > hi {
		return nil
	}
	if lo < 0xd800 && hi > 0xdfff {
		return append(p.utf8Range(lo, 0xd7ff), p.utf8Range(0xe000, hi)...)
	}
	if lo >= 0xd800 && lo <= 0xdfff {
		return p.utf8Range(0xe000, hi)
	}
	if hi >= 0xd800 && hi <= 0xdfff {
		return p.utf8Range(lo, 0xd7ff)
	}
	for _, b := range utf8Bounds {
		if lo <= b && hi > b {
			return append(p.utf8Range(lo, b), p.utf8Range(b+1, hi)...)
		}
	}
	if hi < utf8.RuneSelf {
		return []ExprRef{p.set.byteSet(ByteRange(byte(lo), byte(hi)))}
	}
	n := utf8.RuneLen(lo)
	for i := 1; i < n; i++ {
		m := rune(1)<<(6*i) - 1
		if lo&^m != hi&^m {
			if lo&m != 0 {
				return append(p.utf8Range(lo, lo|m), p.utf8Range((lo|m)+1, hi)...)
			}
			if hi&m != m {
				return append(p.utf8Range(lo, (hi&^m)-1), p.utf8Range(hi&^m, hi)...)
			}
		}
	}
	var a, b [utf8.UTFMax]byte
	utf8.EncodeRune(a[:], lo)
	utf8.EncodeRune(b[:], hi)
	parts := make([]ExprRef, n)
	for i := range n {
		parts[i] = p.set.byteSet(ByteRange(a[i], b[i]))
	}
	return []ExprRef{p.set.concatN(parts)}
}
