package toktrie

const chopLookback = 4

// ComputeBias allows, in mask, every token t such that either t is a
// non-empty prefix of start, or t = start·x and r accepts x. r must be
// positioned after start.
func (t *TokTrie) ComputeBias(r Recognizer, start []byte, mask *Bitmask) {
	r.TrieStarted("bias")
	defer r.TrieFinished()

	n, ok := t.nodeAt(start)
	if !ok {
		return
	}
	for l := 1; l < len(start); l++ {
		if tok, ok := t.TokenID(start[:l]); ok {
			mask.Allow(tok)
		}
	}
	if len(start) > 0 && t.nodes[n].hasToken() {
		mask.Allow(t.nodes[n].tokenID())
	}
	t.walk(r, n, func(tok TokenID) bool {
		mask.Allow(tok)
		return true
	})
}

// walk scans the subtree under n in array order. For every node whose byte r
// accepts, it reports the node's token (if any) and descends; rejected
// subtrees are skipped in one step. It stops early when visit returns false.
func (t *TokTrie) walk(r Recognizer, n int, visit func(TokenID) bool) {
	p := n + 1
	end := n + t.nodes[n].subtreeSize()
	nextPop := 0
	depth := 0
	for p < end {
		if nextPop > 0 {
			r.PopBytes(nextPop)
			depth -= nextPop
		}
		nd := t.nodes[p]
		if r.TryPushByte(nd.edge()) {
			depth++
			if nd.hasToken() && !visit(nd.tokenID()) {
				break
			}
			if nd.subtreeSize() == 1 {
				nextPop = nd.numParents()
			} else {
				nextPop = 0
			}
			p++
		} else {
			p += nd.subtreeSize()
			nextPop = nd.numParents() - 1
		}
	}
	if depth > 0 {
		r.PopBytes(depth)
	}
}

// HasValidExtensions reports whether some token t = start·x exists with x
// non-empty and accepted by r.
func (t *TokTrie) HasValidExtensions(r Recognizer, start []byte) bool {
	n, ok := t.nodeAt(start)
	if !ok {
		return false
	}
	r.TrieStarted("extensions")
	defer r.TrieFinished()
	found := false
	t.walk(r, n, func(TokenID) bool {
		found = true
		return false
	})
	return found
}

// ChopTokens finds how many trailing tokens of tokens must be dropped
// because a token covering their bytes could continue into what r accepts.
// It returns the number of tokens and the number of bytes they span.
func (t *TokTrie) ChopTokens(r Recognizer, tokens []TokenID) (int, int) {
	suffix := t.Decode(tokens[max(0, len(tokens)-chopLookback):])
	suffix = suffix[max(0, len(suffix)-t.maxLen):]

	for idx := range suffix {
		if !t.HasValidExtensions(r, suffix[idx:]) {
			continue
		}
		chopBytes := len(suffix) - idx
		chopTokens, covered := 0, 0
		for i := len(tokens) - 1; i >= 0 && covered < chopBytes; i-- {
			covered += t.TokenLen(tokens[i])
			chopTokens++
		}
		return chopTokens, covered
	}
	return 0, 0
}
