//go:build go1.24

package grammar

import (
	"strings"
	"testing"
)

const benchEBNF = `Value = Object | Array | "true" | "false" | "null" | Number .
Object = "{" [ Member { "," Member } ] "}" .
Member = String ":" Value .
Array = "[" [ Value { "," Value } ] "]" .
String = "\"" { "a" … "z" } "\"" .
Number = [ "-" ] Digit { Digit } .
Digit = "0" … "9" .`

func BenchmarkCompile(b *testing.B) {
	b.ReportAllocs()
	for b.Loop() {
		g, err := FromEBNF("json", strings.NewReader(benchEBNF), "Value", NewLexerSpec(nil))
		if err != nil {
			b.Fatalf("FromEBNF: %v", err)
		}
		if _, err := Compile(g.Optimize()); err != nil {
			b.Fatalf("Compile: %v", err)
		}
	}
}
