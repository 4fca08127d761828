package timeline

import (
	"sync"

	"LoopDeck/model"
)

// RecordThrottleMs bounds persisted sample density: at most one accepted
// volume/opacity sample per key per window. Keyframe events are never
// throttled. The throttle affects only what gets persisted; live feedback
// happens upstream regardless.
const RecordThrottleMs int64 = 25

// ControlChangeListener is the capture-side interface the UI layer drives.
// The Recorder is its canonical implementation.
type ControlChangeListener interface {
	OnVolumeChange(slot, value int, nowMs int64)
	OnOpacityChange(slot, value int, nowMs int64)
	OnKeyframeEvent(slot, keyframeIndex int, time *float64, action string, nowMs int64)
}

// Recorder captures live control changes as timestamped samples while a
// session is active. Calls outside an active recording window silently no-op;
// UI code is allowed to push control updates regardless of recording state.
type Recorder struct {
	store *Store

	mu           sync.Mutex
	lastAccepted map[Key]int64
}

// NewRecorder creates a recorder appending into the given store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{
		store:        store,
		lastAccepted: make(map[Key]int64),
	}
}

// Reset clears throttle bookkeeping; called at every session start.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAccepted = make(map[Key]int64)
}

// OnVolumeChange records a volume sample, subject to the throttle window.
func (r *Recorder) OnVolumeChange(slot, value int, nowMs int64) {
	r.recordControlChange(slot, model.ControlVolume, value, nowMs)
}

// OnOpacityChange records an opacity sample, subject to the throttle window.
func (r *Recorder) OnOpacityChange(slot, value int, nowMs int64) {
	r.recordControlChange(slot, model.ControlOpacity, value, nowMs)
}

func (r *Recorder) recordControlChange(slot int, control model.ControlType, value int, nowMs int64) {
	_, startMs, ok := r.store.ActiveSession()
	if !ok {
		return
	}
	ts := nowMs - startMs
	if ts < 0 {
		ts = 0
	}

	key := Key{Slot: slot, Control: control}
	r.mu.Lock()
	last, seen := r.lastAccepted[key]
	if seen && ts-last < RecordThrottleMs {
		r.mu.Unlock()
		return // dropped; the live value was already updated upstream
	}
	r.lastAccepted[key] = ts
	r.mu.Unlock()

	// Session may have ended between the check and the append; the store
	// rejects that case and the recorder stays silent.
	_ = r.store.AppendSample(slot, control, model.ControlSample{
		Timestamp: ts,
		Value:     model.ClampControlValue(value),
	})
}

// OnKeyframeEvent records a set/jump/delete keyframe event. These are
// discrete low-frequency events and are recorded individually. Delete events
// store a nil time.
func (r *Recorder) OnKeyframeEvent(slot, keyframeIndex int, time *float64, action string, nowMs int64) {
	_, startMs, ok := r.store.ActiveSession()
	if !ok {
		return
	}
	ts := nowMs - startMs
	if ts < 0 {
		ts = 0
	}
	if action == model.KeyframeActionDelete {
		time = nil
	}

	_ = r.store.AppendKeyframeSample(slot, model.KeyframeSample{
		Timestamp:     ts,
		KeyframeIndex: keyframeIndex,
		Time:          time,
		Action:        action,
	})
}
