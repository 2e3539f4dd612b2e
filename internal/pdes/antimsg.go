package pdes

// antiKey identifies an event for anti-message matching: the pairing is
// (sender LP, sender-local sequence number), unique for the lifetime of
// the sending LP.
type antiKey struct {
	sender LPID
	seq    uint64
}

// AntiTable is a PE-private record of events it has sent but not yet
// seen committed, keyed by (sender, seq) so a rollback can generate and
// dispatch the matching anti-message without re-deriving it from state.
type AntiTable struct {
	sent map[antiKey]*Event
}

// NewAntiTable returns an empty anti-message table.
func NewAntiTable() *AntiTable {
	return &AntiTable{sent: make(map[antiKey]*Event)}
}

// Record notes that ev was sent, so a later rollback of its sender can
// find it again.
func (a *AntiTable) Record(ev *Event) {
	a.sent[antiKey{ev.Sender, ev.Seq}] = ev
}

// Forget removes an event from the table once it commits: a committed
// event can never be rolled back, so it no longer needs an anti-message
// entry.
func (a *AntiTable) Forget(sender LPID, seq uint64) {
	delete(a.sent, antiKey{sender, seq})
}

// Lookup returns the event matching (sender, seq) if the table still
// holds one, and whether it was found.
func (a *AntiTable) Lookup(sender LPID, seq uint64) (*Event, bool) {
	e, ok := a.sent[antiKey{sender, seq}]
	return e, ok
}
