package timeline

import "LoopDeck/model"

// Coordinator mediates the transition of a control from replay-driven to
// live-user-driven within one overdub session. Once hijacked, the recorder is
// the sole writer for that key until the session ends.
type Coordinator struct {
	store *Store
}

// NewCoordinator creates a hijack coordinator over the store.
func NewCoordinator(store *Store) *Coordinator {
	return &Coordinator{store: store}
}

// OnLiveControlTouch hijacks the touched control and everything linked to it,
// truncating all finalized sessions' data for those keys from the touch
// instant forward. The truncation is destructive and irreversible: it is how
// overdubbing overwrites old data going forward while preserving everything
// before the hijack point.
//
// Re-entrant safe: a key already hijacked this session is a no-op. Touching a
// control with no prior session data is legal; truncation simply does
// nothing and the recorder starts capturing fresh samples.
//
// Returns the keys newly hijacked by this touch, nil when nothing changed or
// no overdub session is active.
func (c *Coordinator) OnLiveControlTouch(slot int, control model.ControlType, nowMs int64) []Key {
	_, startMs, ok := c.store.ActiveSession()
	if !ok {
		return nil
	}
	if c.store.IsHijacked(Key{Slot: slot, Control: control}) {
		return nil
	}

	elapsed := nowMs - startMs
	if elapsed < 0 {
		elapsed = 0
	}

	keys := linkedControls(c.store.Composition(), slot, control)
	added := c.store.Hijack(keys)
	for _, k := range added {
		c.store.TruncateFrom(k.Slot, k.Control, elapsed)
	}
	return added
}
