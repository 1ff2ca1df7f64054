package watch

// Ledger remembers which UIDs have already produced an alert this process
// lifetime, so a message seen again through a different detection path is not
// announced twice. Memory only; a restart starts clean on purpose, since the
// session baseline suppresses pre-existing mail anyway.
type Ledger struct {
	seen map[UID]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{seen: make(map[UID]struct{})}
}

// Seen reports whether uid was already processed.
func (l *Ledger) Seen(uid UID) bool {
	_, ok := l.seen[uid]
	return ok
}

// Mark records uid as processed.
func (l *Ledger) Mark(uid UID) {
	l.seen[uid] = struct{}{}
}

// Len returns the number of processed UIDs.
func (l *Ledger) Len() int {
	return len(l.seen)
}
