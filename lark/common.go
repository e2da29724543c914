package lark

import "sync"

// commonSource is the library available through %import common.NAME.
const commonSource = `
DIGIT: "0".."9"
HEXDIGIT: "a".."f" | "A".."F" | DIGIT

INT: DIGIT+
SIGNED_INT: ["+"|"-"] INT
DECIMAL: INT "." INT? | "." INT

_EXP: ("e"|"E") SIGNED_INT
FLOAT: INT _EXP | DECIMAL _EXP?
SIGNED_FLOAT: ["+"|"-"] FLOAT

NUMBER: FLOAT | INT
SIGNED_NUMBER: ["+"|"-"] NUMBER

ESCAPED_STRING: /"(?:[^"\\\x00-\x1f]|\\["\\\/bfnrt]|\\u[0-9a-fA-F]{4})*"/

LCASE_LETTER: "a".."z"
UCASE_LETTER: "A".."Z"
LETTER: UCASE_LETTER | LCASE_LETTER
WORD: LETTER+

CNAME: ("_"|LETTER) ("_"|LETTER|DIGIT)*

WS_INLINE: (" "|/\t/)+
WS: /[ \t\f\r\n]/+

CR: /\r/
LF: /\n/
NEWLINE: (CR? LF)+
`

var commonTokens = sync.OnceValues(func() (scope, error) {
	g, err := Parse(commonSource)
	if err != nil {
		return nil, err
	}
	sc := make(scope, len(g.Tokens))
	for _, t := range g.Tokens {
		sc[t.Name] = &tokenDef{name: t.Name, rule: t, scope: sc}
	}
	return sc, nil
})
