package lark

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type kind int

const (
	tokEOF kind = iota
	tokNewline
	tokRule   // lowercase name
	tokToken  // uppercase name
	tokString // "..." with an optional i flag
	tokRegex  // /.../flags
	tokNumber // decimal or hex integer, or a float
	tokDirective
	tokNested  // @name
	tokSpecial // <|name|> or <[id]>
	tokColon
	tokDoubleColon
	tokComma
	tokBar
	tokAnd
	tokTilde
	tokDot
	tokDotDot
	tokArrow
	tokEquals
	tokQuestion
	tokStar
	tokPlus
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
)

var kindNames = map[kind]string{
	tokEOF: "end of input", tokNewline: "newline", tokRule: "rule name", tokToken: "token name",
	tokString: "string", tokRegex: "regex", tokNumber: "number", tokDirective: "directive",
	tokNested: "@reference", tokSpecial: "special token", tokColon: "':'", tokDoubleColon: "'::'",
	tokComma: "','", tokBar: "'|'", tokAnd: "'&'", tokTilde: "'~'", tokDot: "'.'", tokDotDot: "'..'",
	tokArrow: "'->'", tokEquals: "'='", tokQuestion: "'?'", tokStar: "'*'", tokPlus: "'+'",
	tokLParen: "'('", tokRParen: "')'", tokLBracket: "'['", tokRBracket: "']'",
	tokLBrace: "'{'", tokRBrace: "'}'",
}

func (k kind) String() string {
	return kindNames[k]
}

// Pos is a 1-based position in the grammar source.
type Pos struct {
	Line, Column int
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

type token struct {
	kind kind
	text string
	pos  Pos
}

func (t token) String() string {
	switch t.kind {
	case tokEOF, tokNewline:
		return t.kind.String()
	}
	return fmt.Sprintf("%s %q", t.kind, t.text)
}

var punct = []struct {
	text string
	kind kind
}{
	{"::", tokDoubleColon}, {"..", tokDotDot}, {"->", tokArrow},
	{":", tokColon}, {",", tokComma}, {"|", tokBar}, {"&", tokAnd}, {"~", tokTilde},
	{".", tokDot}, {"=", tokEquals}, {"?", tokQuestion}, {"*", tokStar}, {"+", tokPlus},
	{"(", tokLParen}, {")", tokRParen}, {"[", tokLBracket}, {"]", tokRBracket},
	{"{", tokLBrace}, {"}", tokRBrace},
}

// lexer splits grammar source into tokens on demand, so the parser can
// switch to raw JSON after %json and %llguidance.
type lexer struct {
	src  string
	off  int
	line int
	col  int

	peeked []token
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

func (l *lexer) pos() Pos {
	return Pos{l.line, l.col}
}

func (l *lexer) errorf(pos Pos, format string, args ...any) error {
	return &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) advance(n int) {
	for _, r := range l.src[l.off : l.off+n] {
		if r == '\n' {
			l.line++
			l.col = 1
		} else {
			l.col++
		}
	}
	l.off += n
}

func (l *lexer) peek() (token, error) {
	return l.peekN(0)
}

func (l *lexer) peekN(n int) (token, error) {
	for len(l.peeked) <= n {
		t, err := l.scan()
		if err != nil {
			return token{}, err
		}
		l.peeked = append(l.peeked, t)
	}
	return l.peeked[n], nil
}

func (l *lexer) next() (token, error) {
	t, err := l.peek()
	if err != nil {
		return t, err
	}
	l.peeked = l.peeked[1:]
	return t, nil
}

// skipSpace skips blanks and comments, stopping at newlines.
func (l *lexer) skipSpace() {
	for l.off < len(l.src) {
		c := l.src[l.off]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			l.advance(1)
		case c == '\\' && strings.HasPrefix(l.src[l.off:], "\\\n"):
			l.advance(2)
		case strings.HasPrefix(l.src[l.off:], "//"):
			end := strings.IndexByte(l.src[l.off:], '\n')
			if end < 0 {
				end = len(l.src) - l.off
			}
			l.advance(end)
		default:
			return
		}
	}
}

func isNameStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isNameChar(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (l *lexer) scanName() string {
	end := l.off
	for end < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[end:])
		if !isNameChar(r) {
			break
		}
		end += size
	}
	name := l.src[l.off:end]
	l.advance(end - l.off)
	return name
}

func isTokenName(name string) bool {
	name = strings.TrimLeft(name, "_")
	return name != "" && unicode.IsUpper([]rune(name)[0])
}

func (l *lexer) scan() (token, error) {
	l.skipSpace()
	pos := l.pos()
	if l.off >= len(l.src) {
		return token{kind: tokEOF, pos: pos}, nil
	}

	rest := l.src[l.off:]
	r, _ := utf8.DecodeRuneInString(rest)
	switch {
	case r == '\n':
		for l.off < len(l.src) && l.src[l.off] == '\n' {
			l.advance(1)
			l.skipSpace()
		}
		return token{kind: tokNewline, pos: pos}, nil
	case r == '?' && len(rest) > 1 && isNameStart(rune(rest[1])):
		// inlined rule marker, as in ?expr: ...
		l.advance(1)
		name := l.scanName()
		return token{kind: tokRule, text: "?" + name, pos: pos}, nil
	case isNameStart(r):
		name := l.scanName()
		if isTokenName(name) {
			return token{kind: tokToken, text: name, pos: pos}, nil
		}
		return token{kind: tokRule, text: name, pos: pos}, nil
	case r >= '0' && r <= '9' || r == '-' && len(rest) > 1 && rest[1] >= '0' && rest[1] <= '9':
		end := 1
		for end < len(rest) && (isNameChar(rune(rest[end])) || rest[end] == '.' && end+1 < len(rest) && rest[end+1] != '.') {
			end++
		}
		l.advance(end)
		return token{kind: tokNumber, text: rest[:end], pos: pos}, nil
	case r == '"':
		return l.scanString(pos)
	case r == '/' && !strings.HasPrefix(rest, "//"):
		return l.scanRegex(pos)
	case r == '%':
		l.advance(1)
		name := l.scanName()
		if name == "" {
			return token{}, l.errorf(pos, "expected a directive name after '%%'")
		}
		return token{kind: tokDirective, text: name, pos: pos}, nil
	case r == '@':
		l.advance(1)
		name := l.scanName()
		if name == "" {
			return token{}, l.errorf(pos, "expected a grammar name after '@'")
		}
		return token{kind: tokNested, text: name, pos: pos}, nil
	case strings.HasPrefix(rest, "<|"), strings.HasPrefix(rest, "<["):
		closer := "|>"
		if rest[1] == '[' {
			closer = "]>"
		}
		end := strings.Index(rest[2:], closer)
		if end < 0 {
			return token{}, l.errorf(pos, "unterminated special token")
		}
		text := rest[:end+4]
		l.advance(len(text))
		return token{kind: tokSpecial, text: text, pos: pos}, nil
	}

	for _, p := range punct {
		if strings.HasPrefix(rest, p.text) {
			l.advance(len(p.text))
			return token{kind: p.kind, text: p.text, pos: pos}, nil
		}
	}
	return token{}, l.errorf(pos, "unexpected character %q", r)
}

func (l *lexer) scanString(pos Pos) (token, error) {
	rest := l.src[l.off:]
	i := 1
	for i < len(rest) {
		switch rest[i] {
		case '\\':
			i += 2
			continue
		case '\n':
			return token{}, l.errorf(pos, "newline in string literal")
		case '"':
			end := i + 1
			if end < len(rest) && rest[end] == 'i' && (end+1 == len(rest) || !isNameChar(rune(rest[end+1]))) {
				end++
			}
			l.advance(end)
			return token{kind: tokString, text: rest[:end], pos: pos}, nil
		}
		i++
	}
	return token{}, l.errorf(pos, "unterminated string literal")
}

func (l *lexer) scanRegex(pos Pos) (token, error) {
	rest := l.src[l.off:]
	i := 1
	for i < len(rest) {
		switch rest[i] {
		case '\\':
			i += 2
			continue
		case '\n':
			return token{}, l.errorf(pos, "newline in regex literal")
		case '/':
			end := i + 1
			for end < len(rest) && strings.IndexByte("imsux", rest[end]) >= 0 {
				end++
			}
			l.advance(end)
			return token{kind: tokRegex, text: rest[:end], pos: pos}, nil
		}
		i++
	}
	return token{}, l.errorf(pos, "unterminated regex literal")
}

// rawJSON consumes a JSON object starting at the next non-blank character.
func (l *lexer) rawJSON() (string, Pos, error) {
	if len(l.peeked) > 0 {
		return "", l.peeked[0].pos, l.errorf(l.peeked[0].pos, "expected a JSON object")
	}
	for l.off < len(l.src) && strings.IndexByte(" \t\r\n", l.src[l.off]) >= 0 {
		l.advance(1)
	}
	pos := l.pos()
	rest := l.src[l.off:]
	if !strings.HasPrefix(rest, "{") {
		return "", pos, l.errorf(pos, "expected a JSON object")
	}
	depth, inString := 0, false
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		switch {
		case inString && c == '\\':
			i++
		case c == '"':
			inString = !inString
		case inString:
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
			if depth == 0 {
				l.advance(i + 1)
				return rest[:i+1], pos, nil
			}
		}
	}
	return "", pos, l.errorf(pos, "unterminated JSON object")
}
