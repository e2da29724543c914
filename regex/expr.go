// Package regex implements byte-level regular expressions with intersection,
// complement and decimal-congruence predicates, matched by Brzozowski
// derivatives over a hash-consed expression set.
package regex

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
)

// ExprRef identifies an expression inside an ExprSet.
type ExprRef uint32

const (
	NoMatch     ExprRef = 0
	EmptyString ExprRef = 1
)

// Inf is the upper bound of an unbounded repetition.
const Inf = math.MaxUint32

type kind uint8

const (
	kindNoMatch kind = iota
	kindEmpty
	kindByteSet
	kindConcat
	kindOr
	kindAnd
	kindNot
	kindRepeat
	kindMultipleOf
)

type flags uint8

const (
	flagNullable flags = 1 << iota
	// flagComplex marks expressions whose language may be empty even when
	// they are not NoMatch. Such states need a relevance check.
	flagComplex
)

type node struct {
	kind  kind
	flags flags
	args  []ExprRef
	set   ByteSet
	min   uint32
	max   uint32
	mo    multipleOf
}

func (n *node) nullable() bool { return n.flags&flagNullable != 0 }

// ExprSet owns hash-consed expressions. Structurally equal expressions share
// one ExprRef. An ExprSet is safe for concurrent use; derivatives computed
// while matching are added lazily under its lock.
type ExprSet struct {
	mu       sync.Mutex
	nodes    []node
	index    map[string]ExprRef
	deriv    map[uint64]ExprRef
	relevant map[ExprRef]bool
	classes  map[ExprRef][]byte

	// RelevanceFuel bounds the derivatives explored when deciding whether a
	// complex expression matches anything. Exhausting it assumes it does.
	RelevanceFuel int
	fuelExhausted int
}

func NewExprSet() *ExprSet {
	s := &ExprSet{
		index:         make(map[string]ExprRef),
		deriv:         make(map[uint64]ExprRef),
		relevant:      make(map[ExprRef]bool),
		classes:       make(map[ExprRef][]byte),
		RelevanceFuel: 50_000,
	}
	s.intern(node{kind: kindNoMatch})
	s.intern(node{kind: kindEmpty, flags: flagNullable})
	return s
}

// Len returns the number of distinct expressions created so far.
func (s *ExprSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

func (s *ExprSet) key(n *node) string {
	buf := make([]byte, 0, 16+4*len(n.args))
	buf = append(buf, byte(n.kind))
	switch n.kind {
	case kindByteSet:
		for _, w := range n.set {
			buf = binary.LittleEndian.AppendUint64(buf, w)
		}
	case kindRepeat:
		buf = binary.LittleEndian.AppendUint32(buf, n.min)
		buf = binary.LittleEndian.AppendUint32(buf, n.max)
	case kindMultipleOf:
		buf = n.mo.appendKey(buf)
	}
	for _, a := range n.args {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(a))
	}
	return string(buf)
}

func (s *ExprSet) intern(n node) ExprRef {
	k := s.key(&n)
	if r, ok := s.index[k]; ok {
		return r
	}
	for _, a := range n.args {
		n.flags |= s.nodes[a].flags & flagComplex
	}
	r := ExprRef(len(s.nodes))
	s.nodes = append(s.nodes, n)
	s.index[k] = r
	return r
}

// Nullable reports whether e matches the empty string.
func (s *ExprSet) Nullable(e ExprRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[e].nullable()
}

func (s *ExprSet) Byte(b byte) ExprRef {
	return s.ByteSet(ByteSetOf(b))
}

func (s *ExprSet) ByteSet(set ByteSet) ExprRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byteSet(set)
}

func (s *ExprSet) byteSet(set ByteSet) ExprRef {
	if set.IsEmpty() {
		return NoMatch
	}
	return s.intern(node{kind: kindByteSet, set: set})
}

// Literal matches exactly the bytes of lit.
func (s *ExprSet) Literal(lit string) ExprRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.literal([]byte(lit))
}

func (s *ExprSet) literal(lit []byte) ExprRef {
	r := EmptyString
	for i := len(lit) - 1; i >= 0; i-- {
		r = s.concat(s.byteSet(ByteSetOf(lit[i])), r)
	}
	return r
}

func (s *ExprSet) Concat(es ...ExprRef) ExprRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concatN(es)
}

func (s *ExprSet) concatN(es []ExprRef) ExprRef {
	r := EmptyString
	for i := len(es) - 1; i >= 0; i-- {
		r = s.concat(es[i], r)
	}
	return r
}

func (s *ExprSet) concat(a, b ExprRef) ExprRef {
	switch {
	case a == NoMatch || b == NoMatch:
		return NoMatch
	case a == EmptyString:
		return b
	case b == EmptyString:
		return a
	}
	if na := s.nodes[a]; na.kind == kindConcat {
		// keep concatenations right-nested
		return s.concat(na.args[0], s.concat(na.args[1], b))
	}
	var f flags
	if s.nodes[a].nullable() && s.nodes[b].nullable() {
		f = flagNullable
	}
	return s.intern(node{kind: kindConcat, flags: f, args: []ExprRef{a, b}})
}

func (s *ExprSet) Or(es ...ExprRef) ExprRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.or(es)
}

func (s *ExprSet) or(es []ExprRef) ExprRef {
	var args []ExprRef
	var set ByteSet
	var walk func(es []ExprRef)
	walk = func(es []ExprRef) {
		for _, e := range es {
			n := &s.nodes[e]
			switch n.kind {
			case kindNoMatch:
			case kindOr:
				walk(n.args)
			case kindByteSet:
				set = set.Union(n.set)
			default:
				args = append(args, e)
			}
		}
	}
	walk(es)
	if !set.IsEmpty() {
		args = append(args, s.byteSet(set))
	}
	slices.Sort(args)
	args = slices.Compact(args)
	// the empty string is redundant next to any other nullable branch
	if len(args) > 1 && args[0] == EmptyString {
		for _, a := range args[1:] {
			if s.nodes[a].nullable() {
				args = args[1:]
				break
			}
		}
	}
	switch len(args) {
	case 0:
		return NoMatch
	case 1:
		return args[0]
	}
	var f flags
	for _, a := range args {
		if s.nodes[a].nullable() {
			f = flagNullable
		}
	}
	return s.intern(node{kind: kindOr, flags: f, args: args})
}

// And matches strings matched by every expression in es.
func (s *ExprSet) And(es ...ExprRef) ExprRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.and(es)
}

func (s *ExprSet) and(es []ExprRef) ExprRef {
	var args []ExprRef
	var walk func(es []ExprRef) bool
	walk = func(es []ExprRef) bool {
		for _, e := range es {
			n := &s.nodes[e]
			switch n.kind {
			case kindNoMatch:
				return false
			case kindAnd:
				if !walk(n.args) {
					return false
				}
			default:
				args = append(args, e)
			}
		}
		return true
	}
	if !walk(es) {
		return NoMatch
	}
	slices.Sort(args)
	args = slices.Compact(args)

	allNullable := true
	var set *ByteSet
	for _, a := range args {
		n := &s.nodes[a]
		if !n.nullable() {
			allNullable = false
		}
		if n.kind == kindByteSet {
			if set == nil {
				set = new(ByteSet)
				*set = n.set
			} else {
				*set = set.Intersect(n.set)
			}
		}
	}
	if slices.Contains(args, EmptyString) {
		if allNullable {
			return EmptyString
		}
		return NoMatch
	}
	if set != nil {
		// a byte set forces a single-byte match; other operands are checked
		// byte by byte through their derivatives
		var remaining ByteSet
		for b := range set.All {
			ok := true
			for _, a := range args {
				if s.nodes[a].kind == kindByteSet {
					continue
				}
				if !s.nodes[s.derivative(a, b)].nullable() {
					ok = false
					break
				}
			}
			if ok {
				remaining.Add(b)
			}
		}
		return s.byteSet(remaining)
	}
	switch len(args) {
	case 0:
		return EmptyString
	case 1:
		return args[0]
	}
	var f flags = flagComplex
	if allNullable {
		f |= flagNullable
	}
	return s.intern(node{kind: kindAnd, flags: f, args: args})
}

// Not matches every byte string that e does not match.
func (s *ExprSet) Not(e ExprRef) ExprRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.not(e)
}

func (s *ExprSet) not(e ExprRef) ExprRef {
	n := &s.nodes[e]
	if n.kind == kindNot {
		return n.args[0]
	}
	f := flagComplex
	if !n.nullable() {
		f |= flagNullable
	}
	return s.intern(node{kind: kindNot, flags: f, args: []ExprRef{e}})
}

// Repeat matches between min and max (inclusive) repetitions of e. Use Inf
// for an unbounded maximum.
func (s *ExprSet) Repeat(e ExprRef, min, max uint32) ExprRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repeat(e, min, max)
}

func (s *ExprSet) repeat(e ExprRef, min, max uint32) ExprRef {
	switch {
	case max < min:
		return NoMatch
	case max == 0:
		return EmptyString
	case min == 1 && max == 1:
		return e
	case e == EmptyString:
		return EmptyString
	case e == NoMatch:
		if min == 0 {
			return EmptyString
		}
		return NoMatch
	}
	var f flags
	if min == 0 || s.nodes[e].nullable() {
		f = flagNullable
	}
	return s.intern(node{kind: kindRepeat, flags: f, args: []ExprRef{e}, min: min, max: max})
}

func (s *ExprSet) Optional(e ExprRef) ExprRef {
	return s.Repeat(e, 0, 1)
}

// String renders e for debugging.
func (s *ExprSet) String(e ExprRef) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sb strings.Builder
	s.write(&sb, e, 0)
	return sb.String()
}

func (s *ExprSet) write(sb *strings.Builder, e ExprRef, depth int) {
	if depth > 50 {
		sb.WriteString("…")
		return
	}
	n := &s.nodes[e]
	switch n.kind {
	case kindNoMatch:
		sb.WriteString("∅")
	case kindEmpty:
		sb.WriteString("ε")
	case kindByteSet:
		if b, ok := n.set.Single(); ok {
			sb.WriteString(escapeByte(b))
		} else {
			sb.WriteString(n.set.String())
		}
	case kindConcat:
		s.write(sb, n.args[0], depth+1)
		s.write(sb, n.args[1], depth+1)
	case kindOr, kindAnd:
		sep := "|"
		if n.kind == kindAnd {
			sep = "&"
		}
		sb.WriteByte('(')
		for i, a := range n.args {
			if i > 0 {
				sb.WriteString(sep)
			}
			s.write(sb, a, depth+1)
		}
		sb.WriteByte(')')
	case kindNot:
		sb.WriteString("~(")
		s.write(sb, n.args[0], depth+1)
		sb.WriteByte(')')
	case kindRepeat:
		sb.WriteByte('(')
		s.write(sb, n.args[0], depth+1)
		if n.max == Inf {
			fmt.Fprintf(sb, "){%d,}", n.min)
		} else {
			fmt.Fprintf(sb, "){%d,%d}", n.min, n.max)
		}
	case kindMultipleOf:
		sb.WriteString(n.mo.String())
	}
}
