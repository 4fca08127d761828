package timeline

import "LoopDeck/model"

// pairedControl returns the intra-module partner of a control.
func pairedControl(control model.ControlType) model.ControlType {
	if control == model.ControlVolume {
		return model.ControlOpacity
	}
	return model.ControlVolume
}

// linkedControls computes the full set of controls tied to a touch of
// (slot, control) under the track linkage flags:
//
//   - pair link pulls in the partner control on the same slot
//   - cross link pulls in the same control on every other cross-linked,
//     unlocked track, plus those tracks' pair-linked partners
//   - keyframe events never propagate across tracks: jumping one video's
//     position must never retarget another video's timeline
//
// Locked tracks are excluded entirely, including the touched one.
func linkedControls(comp *model.Composition, slot int, control model.ControlType) []Key {
	track := comp.TrackBySlot(slot)
	if track == nil || track.Locked {
		return nil
	}

	keys := []Key{{Slot: slot, Control: control}}
	if control == model.ControlKeyframe {
		return keys
	}

	if track.PairLinked {
		keys = append(keys, Key{Slot: slot, Control: pairedControl(control)})
	}
	if track.CrossLinked {
		for _, other := range comp.Tracks {
			if other.Slot == slot || !other.CrossLinked || other.Locked {
				continue
			}
			keys = append(keys, Key{Slot: other.Slot, Control: control})
			if other.PairLinked {
				keys = append(keys, Key{Slot: other.Slot, Control: pairedControl(control)})
			}
		}
	}
	return keys
}

func controlValue(t *model.Track, control model.ControlType) int {
	if control == model.ControlVolume {
		return t.Volume
	}
	return t.Opacity
}

func setControlValue(t *model.Track, control model.ControlType, value int) {
	if control == model.ControlVolume {
		t.Volume = value
	} else {
		t.Opacity = value
	}
}

// ApplyControlDelta applies a live user change as a delta across all linked
// controls, clamped to [0,100], and returns the resulting values per key.
// Propagation is a single hop from the touched control: a volume change may
// adjust this track's opacity and other linked tracks' volumes (and their
// independently pair-linked opacities) but never cascades further.
func ApplyControlDelta(comp *model.Composition, slot int, control model.ControlType, delta int) map[Key]int {
	keys := linkedControls(comp, slot, control)
	if len(keys) == 0 {
		return nil
	}

	applied := make(map[Key]int, len(keys))
	for _, k := range keys {
		t := comp.TrackBySlot(k.Slot)
		if t == nil {
			continue
		}
		v := model.ClampControlValue(controlValue(t, k.Control) + delta)
		setControlValue(t, k.Control, v)
		applied[k] = v
	}
	return applied
}
