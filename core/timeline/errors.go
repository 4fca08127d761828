package timeline

import (
	"errors"
	"fmt"
)

// ErrNoActiveSession is returned by store mutations that require a recording
// session in progress.
var ErrNoActiveSession = errors.New("no recording session in progress")

// ErrSessionActive is returned when starting a session while one is already
// in progress.
var ErrSessionActive = errors.New("a recording session is already in progress")

// ErrEngineBusy is returned when a transport operation conflicts with the
// engine's current mode.
var ErrEngineBusy = errors.New("engine is already recording or playing")

// MissingKeyframeError blocks session start when one or more occupied slots
// have no keyframe set at all.
type MissingKeyframeError struct {
	Slots []int
}

func (e *MissingKeyframeError) Error() string {
	return fmt.Sprintf("cannot start recording: no keyframe set on slot(s) %v", e.Slots)
}

// DuplicateSourceError blocks loading the same source into two slots.
type DuplicateSourceError struct {
	SourceRef string
	Slot      int
}

func (e *DuplicateSourceError) Error() string {
	return fmt.Sprintf("source %q is already loaded in slot %d", e.SourceRef, e.Slot)
}

// InvalidSlotError reports a slot index outside 0..5 or an unoccupied slot.
type InvalidSlotError struct {
	Slot int
}

func (e *InvalidSlotError) Error() string {
	return fmt.Sprintf("invalid or unoccupied slot %d", e.Slot)
}
