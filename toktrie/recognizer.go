package toktrie

// Recognizer is a byte-level acceptor driven by the trie walk. Pushed bytes
// form a stack: PopBytes undoes the most recent pushes.
type Recognizer interface {
	// TryPushByte pushes b if the recognizer can accept it next.
	TryPushByte(b byte) bool
	// PopBytes undoes the last n successful pushes.
	PopBytes(n int)
	// Collapse marks the current state as the new base of the walk. An
	// implementation may drop its undo history or keep it when the history
	// is the state itself; callers must not pop below the collapse point.
	Collapse()
	// TrieStarted and TrieFinished bracket a walk.
	TrieStarted(label string)
	TrieFinished()
	// Err reports a failure that occurred while walking.
	Err() error
}

// AnythingGoes accepts every byte.
type AnythingGoes struct {
	depth int
}

func (r *AnythingGoes) TryPushByte(byte) bool {
	r.depth++
	return true
}

func (r *AnythingGoes) PopBytes(n int) { r.depth -= n }

func (r *AnythingGoes) Collapse() { r.depth = 0 }

func (r *AnythingGoes) TrieStarted(string) {}

func (r *AnythingGoes) TrieFinished() {}

func (r *AnythingGoes) Err() error { return nil }

// FixedString accepts prefixes of a single byte string.
type FixedString struct {
	s   []byte
	pos int
}

func NewFixedString(s string) *FixedString {
	return &FixedString{s: []byte(s)}
}

func (r *FixedString) TryPushByte(b byte) bool {
	if r.pos < len(r.s) && r.s[r.pos] == b {
		r.pos++
		return true
	}
	return false
}

func (r *FixedString) PopBytes(n int) { r.pos -= n }

func (r *FixedString) Collapse() {
	r.s = r.s[r.pos:]
	r.pos = 0
}

func (r *FixedString) TrieStarted(string) {}

func (r *FixedString) TrieFinished() {}

func (r *FixedString) Err() error { return nil }
