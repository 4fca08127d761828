package timeline

import (
	"encoding/json"
	"fmt"

	"LoopDeck/model"

	"github.com/google/uuid"
)

// Export serializes a composition to the interchange blob. The model structs
// marshal directly to the wire shape, so export/import round-trips are
// loss-free: re-loading an exported composition replays identically.
func Export(comp *model.Composition) ([]byte, error) {
	data, err := json.Marshal(comp)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize composition %s: %w", comp.ID, err)
	}
	return data, nil
}

// Import parses and validates an interchange blob. A missing id gets a fresh
// one; a missing duration defaults to the fixed session length.
func Import(data []byte) (*model.Composition, error) {
	var comp model.Composition
	if err := json.Unmarshal(data, &comp); err != nil {
		return nil, fmt.Errorf("failed to parse composition blob: %w", err)
	}
	if comp.ID == "" {
		comp.ID = uuid.New().String()
	}
	if comp.Duration == 0 {
		comp.Duration = model.SessionDurationMs
	}
	if err := ValidateComposition(&comp); err != nil {
		return nil, err
	}
	return &comp, nil
}

// ValidateComposition checks the structural invariants of a composition:
// slot uniqueness and range, unique sources, fixed duration, ordered sample
// logs and in-range control values.
func ValidateComposition(comp *model.Composition) error {
	if comp.Duration != model.SessionDurationMs {
		return fmt.Errorf("composition duration must be %dms, got %d", model.SessionDurationMs, comp.Duration)
	}

	seenSlots := make(map[int]bool)
	seenSources := make(map[string]int)
	for _, t := range comp.Tracks {
		if t.Slot < 0 || t.Slot >= model.MaxSlots {
			return &InvalidSlotError{Slot: t.Slot}
		}
		if seenSlots[t.Slot] {
			return fmt.Errorf("duplicate slot index %d", t.Slot)
		}
		seenSlots[t.Slot] = true

		if t.SourceRef == "" {
			return fmt.Errorf("track in slot %d has no source reference", t.Slot)
		}
		if _, ok := seenSources[t.SourceRef]; ok {
			return &DuplicateSourceError{SourceRef: t.SourceRef, Slot: t.Slot}
		}
		seenSources[t.SourceRef] = t.Slot

		if t.Volume != model.ClampControlValue(t.Volume) || t.Opacity != model.ClampControlValue(t.Opacity) {
			return fmt.Errorf("track in slot %d has out-of-range control values", t.Slot)
		}
	}

	lastOrdinal := 0
	for _, sess := range comp.Sessions {
		if sess.Session <= lastOrdinal {
			return fmt.Errorf("session ordinals must be increasing, got %d after %d", sess.Session, lastOrdinal)
		}
		lastOrdinal = sess.Session

		for slot, data := range sess.ControlData {
			if !seenSlots[slot] {
				return fmt.Errorf("session %d records slot %d which has no track", sess.Session, slot)
			}
			if err := validateSamples(data.Volume); err != nil {
				return fmt.Errorf("session %d slot %d volume: %w", sess.Session, slot, err)
			}
			if err := validateSamples(data.Opacity); err != nil {
				return fmt.Errorf("session %d slot %d opacity: %w", sess.Session, slot, err)
			}
			if err := validateKeyframeSamples(data.Timestamps); err != nil {
				return fmt.Errorf("session %d slot %d timestamps: %w", sess.Session, slot, err)
			}
		}
	}
	return nil
}

func validateSamples(samples []model.ControlSample) error {
	var last int64 = -1
	for _, s := range samples {
		if s.Timestamp < last {
			return fmt.Errorf("timestamps must be non-decreasing, got %d after %d", s.Timestamp, last)
		}
		last = s.Timestamp
		if s.Value != model.ClampControlValue(s.Value) {
			return fmt.Errorf("sample value %d out of range", s.Value)
		}
	}
	return nil
}

func validateKeyframeSamples(samples []model.KeyframeSample) error {
	var last int64 = -1
	for _, s := range samples {
		if s.Timestamp < last {
			return fmt.Errorf("timestamps must be non-decreasing, got %d after %d", s.Timestamp, last)
		}
		last = s.Timestamp
		if s.KeyframeIndex < 0 || s.KeyframeIndex >= model.KeyframesPerTrack {
			return fmt.Errorf("keyframe index %d out of range", s.KeyframeIndex)
		}
		switch s.Action {
		case model.KeyframeActionSet, model.KeyframeActionJump, model.KeyframeActionDelete:
		default:
			return fmt.Errorf("unknown keyframe action %q", s.Action)
		}
	}
	return nil
}
