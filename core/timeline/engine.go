package timeline

import (
	"context"
	"sync"
	"time"

	"LoopDeck/model"
)

// Mode is the engine's transport state.
type Mode int

const (
	ModeIdle Mode = iota
	ModeRecording
	ModePlaying
)

func (m Mode) String() string {
	switch m {
	case ModeRecording:
		return "recording"
	case ModePlaying:
		return "playing"
	default:
		return "idle"
	}
}

// Controller owns the engine state for one editing workflow: the session
// store, recorder, replayer and hijack coordinator. There are no package
// level singletons; every deck gets its own controller.
type Controller struct {
	store    *Store
	recorder *Recorder
	replayer *Replayer
	coord    *Coordinator
	driver   Driver
	now      func() int64

	mu      sync.Mutex
	mode    Mode
	startMs int64
	cancel  context.CancelFunc
	runDone chan struct{}

	onHijack func(keys []Key)
	onStop   func(prev Mode)
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the wall clock; tests inject a fake.
func WithClock(now func() int64) Option {
	return func(c *Controller) { c.now = now }
}

// WithHijackNotify registers a callback fired with newly hijacked keys.
func WithHijackNotify(fn func(keys []Key)) Option {
	return func(c *Controller) { c.onHijack = fn }
}

// WithStopNotify registers a callback fired when a run self-terminates at
// the fixed duration.
func WithStopNotify(fn func(prev Mode)) Option {
	return func(c *Controller) { c.onStop = fn }
}

// NewController creates the engine for one composition, writing replayed
// values through the driver.
func NewController(comp *model.Composition, driver Driver, opts ...Option) *Controller {
	store := NewStore(comp)
	c := &Controller{
		store:    store,
		recorder: NewRecorder(store),
		replayer: NewReplayer(store, driver),
		coord:    NewCoordinator(store),
		driver:   driver,
		now:      func() int64 { return time.Now().UnixMilli() },
		mode:     ModeIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store exposes the session store for persistence and inspection.
func (c *Controller) Store() *Store { return c.store }

// Mode returns the current transport state.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// ElapsedMs returns milliseconds since the current run started, 0 when idle.
func (c *Controller) ElapsedMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeIdle {
		return 0
	}
	elapsed := c.now() - c.startMs
	if elapsed > model.SessionDurationMs {
		elapsed = model.SessionDurationMs
	}
	return elapsed
}

// ========== 轨道管理 ==========

// AddTrack loads a source into a slot. Loading the same source twice is
// rejected; so is an occupied or out-of-range slot. Only legal while idle.
func (c *Controller) AddTrack(slot int, sourceRef string) (*model.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != ModeIdle {
		return nil, ErrEngineBusy
	}
	if slot < 0 || slot >= model.MaxSlots {
		return nil, &InvalidSlotError{Slot: slot}
	}

	comp := c.store.Composition()
	if comp.TrackBySlot(slot) != nil {
		return nil, &InvalidSlotError{Slot: slot}
	}
	for _, t := range comp.Tracks {
		if t.SourceRef == sourceRef {
			return nil, &DuplicateSourceError{SourceRef: sourceRef, Slot: t.Slot}
		}
	}

	track := &model.Track{
		Slot:      slot,
		SourceRef: sourceRef,
		Volume:    100,
		Opacity:   100,
	}
	comp.Tracks = append(comp.Tracks, track)
	return track, nil
}

// RemoveTrack unloads a slot. Only legal while idle.
func (c *Controller) RemoveTrack(slot int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != ModeIdle {
		return ErrEngineBusy
	}
	comp := c.store.Composition()
	for i, t := range comp.Tracks {
		if t.Slot == slot {
			comp.Tracks = append(comp.Tracks[:i], comp.Tracks[i+1:]...)
			return nil
		}
	}
	return &InvalidSlotError{Slot: slot}
}

// SetTrackFlags updates the lock and linkage flags of a track.
func (c *Controller) SetTrackFlags(slot int, locked, crossLinked, pairLinked bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.store.Composition().TrackBySlot(slot)
	if t == nil {
		return &InvalidSlotError{Slot: slot}
	}
	t.Locked = locked
	t.CrossLinked = crossLinked
	t.PairLinked = pairLinked
	return nil
}

// ========== 实时控制输入 ==========

// SetVolume applies a live volume change: immediate feedback, linked delta
// propagation, and (during an overdub) hijack plus sample capture.
func (c *Controller) SetVolume(slot, value int) error {
	return c.liveControlChange(slot, model.ControlVolume, value)
}

// SetOpacity applies a live opacity change, same semantics as SetVolume.
func (c *Controller) SetOpacity(slot, value int) error {
	return c.liveControlChange(slot, model.ControlOpacity, value)
}

func (c *Controller) liveControlChange(slot int, control model.ControlType, value int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	comp := c.store.Composition()
	track := comp.TrackBySlot(slot)
	if track == nil {
		return &InvalidSlotError{Slot: slot}
	}
	if track.Locked {
		return nil // locked tracks ignore live input
	}

	nowMs := c.now()
	recording := c.mode == ModeRecording

	// Hijack before mutating so truncation lands at the touch instant.
	if recording {
		if added := c.coord.OnLiveControlTouch(slot, control, nowMs); len(added) > 0 && c.onHijack != nil {
			c.onHijack(added)
		}
	}

	delta := model.ClampControlValue(value) - controlValue(track, control)
	applied := ApplyControlDelta(comp, slot, control, delta)
	for k, v := range applied {
		// Live feedback is never throttled.
		if k.Control == model.ControlVolume {
			c.driver.ApplyVolume(k.Slot, v)
		} else {
			c.driver.ApplyOpacity(k.Slot, v)
		}
		if recording {
			if k.Control == model.ControlVolume {
				c.recorder.OnVolumeChange(k.Slot, v, nowMs)
			} else {
				c.recorder.OnOpacityChange(k.Slot, v, nowMs)
			}
		}
	}
	return nil
}

// SetKeyframe bookmarks a time-offset on a track. During an overdub the
// event is hijack-captured and recorded.
func (c *Controller) SetKeyframe(slot, index int, offsetSec float64) error {
	return c.keyframeAction(slot, index, &offsetSec, model.KeyframeActionSet)
}

// DeleteKeyframe clears a bookmark.
func (c *Controller) DeleteKeyframe(slot, index int) error {
	return c.keyframeAction(slot, index, nil, model.KeyframeActionDelete)
}

// JumpKeyframe seeks the slot's media to a bookmarked offset.
func (c *Controller) JumpKeyframe(slot, index int) error {
	return c.keyframeAction(slot, index, nil, model.KeyframeActionJump)
}

func (c *Controller) keyframeAction(slot, index int, offset *float64, action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= model.KeyframesPerTrack {
		return &InvalidSlotError{Slot: slot}
	}
	track := c.store.Composition().TrackBySlot(slot)
	if track == nil {
		return &InvalidSlotError{Slot: slot}
	}
	if track.Locked {
		return nil
	}

	nowMs := c.now()
	recording := c.mode == ModeRecording

	switch action {
	case model.KeyframeActionSet:
		track.Keyframes[index] = offset
	case model.KeyframeActionDelete:
		track.Keyframes[index] = nil
	case model.KeyframeActionJump:
		offset = track.Keyframes[index]
		if offset == nil {
			return nil // nothing bookmarked, nothing to jump to
		}
		c.driver.SeekTo(slot, *offset)
	}

	if recording {
		if added := c.coord.OnLiveControlTouch(slot, model.ControlKeyframe, nowMs); len(added) > 0 && c.onHijack != nil {
			c.onHijack(added)
		}
		c.recorder.OnKeyframeEvent(slot, index, offset, action, nowMs)
	}
	return nil
}

// ========== 走带控制 ==========

// StartRecording begins an overdub session: prior sessions replay while the
// recorder captures live input. Fails with MissingKeyframeError when any
// occupied slot has no entry point.
func (c *Controller) StartRecording(ctx context.Context) error {
	return c.startRun(ctx, ModeRecording)
}

// StartPlayback replays all finalized sessions without recording.
func (c *Controller) StartPlayback(ctx context.Context) error {
	return c.startRun(ctx, ModePlaying)
}

func (c *Controller) startRun(ctx context.Context, mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != ModeIdle {
		return ErrEngineBusy
	}

	nowMs := c.now()
	if mode == ModeRecording {
		if _, err := c.store.StartSession(nowMs); err != nil {
			return err
		}
		c.recorder.Reset()
	}
	c.replayer.Reset()

	// Cue each slot to its entry keyframe before the clock starts.
	for _, t := range c.store.Composition().Tracks {
		for _, kf := range t.Keyframes {
			if kf != nil {
				c.driver.SeekTo(t.Slot, *kf)
				break
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mode = mode
	c.startMs = nowMs
	c.cancel = cancel
	c.runDone = done

	go func() {
		defer close(done)
		c.replayer.Run(runCtx, nowMs, c.now)
		c.finishRun(mode)
	}()
	return nil
}

// finishRun handles self-termination at the fixed duration. Explicit stops
// flip the mode first, so this is a no-op for them.
func (c *Controller) finishRun(prev Mode) {
	c.mu.Lock()
	if c.mode != prev {
		c.mu.Unlock()
		return
	}
	c.mode = ModeIdle
	c.cancel = nil
	c.mu.Unlock()

	if prev == ModeRecording {
		_, _ = c.store.FinalizeSession(c.now())
	}
	if c.onStop != nil {
		c.onStop(prev)
	}
}

// StopRecording cancels the replay loop and finalizes the session with its
// actual elapsed duration. Stopping early is not an error; partial data is
// retained.
func (c *Controller) StopRecording() (*model.Session, error) {
	c.mu.Lock()
	if c.mode != ModeRecording {
		c.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	c.mode = ModeIdle
	cancel := c.cancel
	c.cancel = nil
	done := c.runDone
	c.mu.Unlock()

	cancel()
	<-done
	return c.store.FinalizeSession(c.now())
}

// StopPlayback cancels a replay-only run.
func (c *Controller) StopPlayback() error {
	c.mu.Lock()
	if c.mode != ModePlaying {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	c.mode = ModeIdle
	cancel := c.cancel
	c.cancel = nil
	done := c.runDone
	c.mu.Unlock()

	cancel()
	<-done
	return nil
}
