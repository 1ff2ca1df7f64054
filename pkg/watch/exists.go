package watch

// Growth classifies a change in the folder's message count.
type Growth int

const (
	// GrowthNone: count unchanged, or no count seen at all.
	GrowthNone Growth = iota
	// GrowthWithinBaseline: count rose but stayed at or below the level the
	// session started at. Happens when a server replays state after the
	// baseline was primed; acting on it would re-announce old mail.
	GrowthWithinBaseline
	// GrowthReal: count rose above the session baseline. New mail.
	GrowthReal
	// GrowthShrunk: count fell (expunge or external cleanup). Sequence
	// numbers from before the drop are no longer trustworthy.
	GrowthShrunk
)

// ExistsTracker keeps the two reference counts a session needs to interpret
// folder-count updates: the count at session start (the baseline) and the
// last count acted upon (the snapshot). Single-session, not safe for
// concurrent use; the monitor's run loop is its only caller.
type ExistsTracker struct {
	startupCount  uint32
	startupMaxUID UID
	snapshot      uint32
	primed        bool
}

// Prime records the folder state at session start. The snapshot starts equal
// to the baseline.
func (t *ExistsTracker) Prime(existsCount uint32) {
	t.startupCount = existsCount
	t.snapshot = existsCount
	t.primed = true
}

// SetStartupMaxUID records the highest UID present at session start, the
// floor for UID-based fallback detection.
func (t *ExistsTracker) SetStartupMaxUID(uid UID) {
	t.startupMaxUID = uid
}

func (t *ExistsTracker) StartupMaxUID() UID { return t.startupMaxUID }
func (t *ExistsTracker) Baseline() uint32   { return t.startupCount }
func (t *ExistsTracker) Snapshot() uint32   { return t.snapshot }
func (t *ExistsTracker) Primed() bool       { return t.primed }

// ExtractCount pulls the freshest folder count out of a batch of idle
// notifications. Later entries supersede earlier ones, so the last count
// entry wins; non-count notifications are ignored.
func ExtractCount(notifs []Notification) (uint32, bool) {
	var count uint32
	var found bool
	for _, n := range notifs {
		if n.Kind == NotificationExists {
			count = n.Count
			found = true
		}
	}
	return count, found
}

// Evaluate classifies a reported count against the tracker's state.
func (t *ExistsTracker) Evaluate(count uint32) Growth {
	switch {
	case count > t.snapshot && count > t.startupCount:
		return GrowthReal
	case count > t.snapshot:
		return GrowthWithinBaseline
	case count < t.snapshot:
		return GrowthShrunk
	default:
		return GrowthNone
	}
}

// Advance moves the snapshot to a count that has been fully handled. On a
// shrink this re-bases the snapshot downward so the next growth is measured
// from the new, smaller folder.
func (t *ExistsTracker) Advance(count uint32) {
	t.snapshot = count
}
