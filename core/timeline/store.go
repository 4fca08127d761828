package timeline

import (
	"sort"
	"sync"

	"LoopDeck/model"
)

// Key identifies one recordable control: a (slot, control-type) pair.
type Key struct {
	Slot    int
	Control model.ControlType
}

// SessionValue is the result of an effective-value query for one finalized
// session: the latest sample at or before the queried instant, plus its
// successor (used by the replayer for short-range interpolation).
type SessionValue struct {
	Session int
	Current model.ControlSample
	Next    *model.ControlSample
}

// Store 持有合成的轨道与会话数据，录制期间追加采样，回放期间只读查询，
// overdub 劫持时对已完成会话做截断。
//
// 引擎的输入来自 WebSocket goroutine，回放 tick 来自定时器 goroutine，
// 因此所有日志的追加/截断/读取都在同一把锁下进行。
type Store struct {
	mu          sync.Mutex
	comp        *model.Composition
	active      *model.Session
	activeStart int64 // wall clock ms at session start
	hijacked    map[Key]struct{}
}

// NewStore wraps a composition for one editing workflow.
func NewStore(comp *model.Composition) *Store {
	if comp.Duration == 0 {
		comp.Duration = model.SessionDurationMs
	}
	return &Store{
		comp:     comp,
		hijacked: make(map[Key]struct{}),
	}
}

// Composition returns the underlying composition. Callers must treat it as
// read-only while a session or playback is running.
func (s *Store) Composition() *model.Composition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.comp
}

// StartSession begins a new recording pass. Every occupied slot must have at
// least one keyframe (the entry point); offenders are reported by slot.
// The hijack set starts empty.
func (s *Store) StartSession(nowMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return 0, ErrSessionActive
	}

	var missing []int
	for _, t := range s.comp.Tracks {
		if !t.HasKeyframe() {
			missing = append(missing, t.Slot)
		}
	}
	if len(missing) > 0 {
		sort.Ints(missing)
		return 0, &MissingKeyframeError{Slots: missing}
	}

	s.active = &model.Session{
		Session:     len(s.comp.Sessions) + 1,
		StartTime:   nowMs,
		Duration:    model.SessionDurationMs,
		ControlData: make(map[int]*model.SlotControlData),
	}
	s.activeStart = nowMs
	s.hijacked = make(map[Key]struct{})
	return s.active.Session, nil
}

// ActiveSession reports the in-progress session's ordinal and start time.
func (s *Store) ActiveSession() (ordinal int, startMs int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return 0, 0, false
	}
	return s.active.Session, s.activeStart, true
}

// AppendSample appends a volume/opacity sample to the in-progress session.
// Timestamps within one key's log are kept non-decreasing.
func (s *Store) AppendSample(slot int, control model.ControlType, sample model.ControlSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return ErrNoActiveSession
	}

	data := s.active.SlotData(slot)
	switch control {
	case model.ControlVolume:
		if n := len(data.Volume); n > 0 && sample.Timestamp < data.Volume[n-1].Timestamp {
			sample.Timestamp = data.Volume[n-1].Timestamp
		}
		data.Volume = append(data.Volume, sample)
	case model.ControlOpacity:
		if n := len(data.Opacity); n > 0 && sample.Timestamp < data.Opacity[n-1].Timestamp {
			sample.Timestamp = data.Opacity[n-1].Timestamp
		}
		data.Opacity = append(data.Opacity, sample)
	default:
		return &InvalidSlotError{Slot: slot}
	}
	return nil
}

// AppendKeyframeSample appends a keyframe event to the in-progress session.
func (s *Store) AppendKeyframeSample(slot int, sample model.KeyframeSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return ErrNoActiveSession
	}

	data := s.active.SlotData(slot)
	if n := len(data.Timestamps); n > 0 && sample.Timestamp < data.Timestamps[n-1].Timestamp {
		sample.Timestamp = data.Timestamps[n-1].Timestamp
	}
	data.Timestamps = append(data.Timestamps, sample)
	return nil
}

// FinalizeSession closes the in-progress session with its actual elapsed
// duration and appends it to the composition's session list. Stopping early
// is not an error; partial data is retained.
func (s *Store) FinalizeSession(nowMs int64) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return nil, ErrNoActiveSession
	}

	elapsed := nowMs - s.activeStart
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > model.SessionDurationMs {
		elapsed = model.SessionDurationMs
	}
	s.active.Duration = elapsed

	done := s.active
	s.comp.Sessions = append(s.comp.Sessions, done)
	s.active = nil
	s.hijacked = make(map[Key]struct{})
	return done, nil
}

// TruncateFrom removes, in every finalized session, all samples at or after
// fromTs for the given key. Idempotent; a no-op when nothing matches.
func (s *Store) TruncateFrom(slot int, control model.ControlType, fromTs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.comp.Sessions {
		data, ok := sess.ControlData[slot]
		if !ok {
			continue
		}
		switch control {
		case model.ControlVolume:
			data.Volume = truncateSamples(data.Volume, fromTs)
		case model.ControlOpacity:
			data.Opacity = truncateSamples(data.Opacity, fromTs)
		case model.ControlKeyframe:
			data.Timestamps = truncateKeyframes(data.Timestamps, fromTs)
		}
	}
}

func truncateSamples(samples []model.ControlSample, fromTs int64) []model.ControlSample {
	cut := sort.Search(len(samples), func(i int) bool {
		return samples[i].Timestamp >= fromTs
	})
	return samples[:cut]
}

func truncateKeyframes(samples []model.KeyframeSample, fromTs int64) []model.KeyframeSample {
	cut := sort.Search(len(samples), func(i int) bool {
		return samples[i].Timestamp >= fromTs
	})
	return samples[:cut]
}

// Hijack adds keys to the hijack set and returns the ones that were not
// already present. The set is cleared when the session ends.
func (s *Store) Hijack(keys []Key) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []Key
	for _, k := range keys {
		if _, ok := s.hijacked[k]; ok {
			continue
		}
		s.hijacked[k] = struct{}{}
		added = append(added, k)
	}
	return added
}

// IsHijacked reports whether a key is currently under live user control.
func (s *Store) IsHijacked(k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hijacked[k]
	return ok
}

// HijackedKeys returns a snapshot of the current hijack set.
func (s *Store) HijackedKeys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]Key, 0, len(s.hijacked))
	for k := range s.hijacked {
		keys = append(keys, k)
	}
	return keys
}

// EffectiveValues returns, for each finalized session in recording order that
// has a sample at or before atMs for the key, that sample and its successor.
// Merge policy across sessions belongs to the replayer.
func (s *Store) EffectiveValues(slot int, control model.ControlType, atMs int64) []SessionValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SessionValue
	for _, sess := range s.comp.Sessions {
		data, ok := sess.ControlData[slot]
		if !ok {
			continue
		}
		var samples []model.ControlSample
		switch control {
		case model.ControlVolume:
			samples = data.Volume
		case model.ControlOpacity:
			samples = data.Opacity
		default:
			continue
		}
		// first index with timestamp > atMs; the sample before it is the latest <= atMs
		idx := sort.Search(len(samples), func(i int) bool {
			return samples[i].Timestamp > atMs
		})
		if idx == 0 {
			continue // no defined value yet in this session
		}
		sv := SessionValue{Session: sess.Session, Current: samples[idx-1]}
		if idx < len(samples) {
			next := samples[idx]
			sv.Next = &next
		}
		out = append(out, sv)
	}
	return out
}

// KeyframeEventsBetween returns keyframe events with fromMs < timestamp <= toMs
// across all finalized sessions, in session order.
func (s *Store) KeyframeEventsBetween(slot int, fromMs, toMs int64) []model.KeyframeSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.KeyframeSample
	for _, sess := range s.comp.Sessions {
		data, ok := sess.ControlData[slot]
		if !ok {
			continue
		}
		for _, ev := range data.Timestamps {
			if ev.Timestamp > fromMs && ev.Timestamp <= toMs {
				out = append(out, ev)
			}
		}
	}
	return out
}

// SessionCount returns the number of finalized sessions.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.comp.Sessions)
}
