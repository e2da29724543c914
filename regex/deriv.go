package regex

// Derivative returns the expression matching every suffix s such that b·s is
// matched by e.
func (s *ExprSet) Derivative(e ExprRef, b byte) ExprRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.derivative(e, b)
}

func (s *ExprSet) derivative(e ExprRef, b byte) ExprRef {
	key := uint64(e)<<8 | uint64(b)
	if d, ok := s.deriv[key]; ok {
		return d
	}

	var d ExprRef
	n := s.nodes[e]
	switch n.kind {
	case kindNoMatch, kindEmpty:
		d = NoMatch
	case kindByteSet:
		if n.set.Has(b) {
			d = EmptyString
		} else {
			d = NoMatch
		}
	case kindConcat:
		head := s.concat(s.derivative(n.args[0], b), n.args[1])
		if s.nodes[n.args[0]].nullable() {
			d = s.or([]ExprRef{head, s.derivative(n.args[1], b)})
		} else {
			d = head
		}
	case kindOr:
		ds := make([]ExprRef, len(n.args))
		for i, a := range n.args {
			ds[i] = s.derivative(a, b)
		}
		d = s.or(ds)
	case kindAnd:
		ds := make([]ExprRef, len(n.args))
		for i, a := range n.args {
			ds[i] = s.derivative(a, b)
			if ds[i] == NoMatch {
				break
			}
		}
		d = s.and(ds)
	case kindNot:
		d = s.not(s.derivative(n.args[0], b))
	case kindRepeat:
		min := n.min
		if min > 0 {
			min--
		}
		max := n.max
		if max != Inf {
			max--
		}
		d = s.concat(s.derivative(n.args[0], b), s.repeat(n.args[0], min, max))
	case kindMultipleOf:
		d = s.multipleOfDerivative(n.mo, b)
	}

	s.deriv[key] = d
	return d
}

// Relevant reports whether e matches at least one byte string.
func (s *ExprSet) Relevant(e ExprRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRelevant(e)
}

func (s *ExprSet) isRelevant(e ExprRef) bool {
	n := &s.nodes[e]
	if e == NoMatch {
		return false
	}
	if n.nullable() || n.flags&flagComplex == 0 {
		return true
	}
	if r, ok := s.relevant[e]; ok {
		return r
	}

	reps := s.representatives(e)
	seen := map[ExprRef]bool{e: true}
	queue := []ExprRef{e}
	fuel := s.RelevanceFuel
	result := false
search:
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if s.nodes[cur].nullable() {
			result = true
			break
		}
		if r, ok := s.relevant[cur]; ok && r {
			result = true
			break
		}
		for _, b := range reps {
			fuel--
			if fuel < 0 {
				s.fuelExhausted++
				result = true
				break search
			}
			d := s.derivative(cur, b)
			if d == NoMatch || seen[d] {
				continue
			}
			if s.nodes[d].flags&flagComplex == 0 {
				result = true
				break search
			}
			seen[d] = true
			queue = append(queue, d)
		}
	}
	if !result {
		// every state reached is dead as well
		for st := range seen {
			s.relevant[st] = false
		}
	}
	s.relevant[e] = result
	return result
}

// FuelExhausted returns how many relevance checks gave up early.
func (s *ExprSet) FuelExhausted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fuelExhausted
}

// representatives returns one byte per equivalence class of bytes that all
// sub-expressions of e treat identically.
func (s *ExprSet) representatives(e ExprRef) []byte {
	if r, ok := s.classes[e]; ok {
		return r
	}

	var sets []ByteSet
	seenSet := make(map[ByteSet]bool)
	visited := make(map[ExprRef]bool)
	var walk func(ExprRef)
	walk = func(e ExprRef) {
		if visited[e] {
			return
		}
		visited[e] = true
		n := &s.nodes[e]
		switch n.kind {
		case kindByteSet:
			if !seenSet[n.set] {
				seenSet[n.set] = true
				sets = append(sets, n.set)
			}
		case kindMultipleOf:
			for _, c := range "0123456789." {
				set := ByteSetOf(byte(c))
				if !seenSet[set] {
					seenSet[set] = true
					sets = append(sets, set)
				}
			}
		}
		for _, a := range n.args {
			walk(a)
		}
	}
	walk(e)

	var reps []byte
	signatures := make(map[string]bool)
	sig := make([]byte, (len(sets)+7)/8)
	for b := 0; b < 256; b++ {
		clear(sig)
		for i, set := range sets {
			if set.Has(byte(b)) {
				sig[i/8] |= 1 << (i % 8)
			}
		}
		if !signatures[string(sig)] {
			signatures[string(sig)] = true
			reps = append(reps, byte(b))
		}
	}
	s.classes[e] = reps
	return reps
}

// Matches reports whether e matches all of input.
func (s *ExprSet) Matches(e ExprRef, input string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(input); i++ {
		e = s.derivative(e, input[i])
		if e == NoMatch {
			return false
		}
	}
	return s.nodes[e].nullable()
}
