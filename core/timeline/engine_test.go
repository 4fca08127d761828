package timeline

import (
	"context"
	"sync/atomic"
	"testing"

	"LoopDeck/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is an adjustable millisecond clock for driving the engine
// deterministically.
type fakeClock struct {
	nowMs atomic.Int64
}

func (c *fakeClock) now() int64       { return c.nowMs.Load() }
func (c *fakeClock) advance(ms int64) { c.nowMs.Add(ms) }
func (c *fakeClock) set(ms int64)     { c.nowMs.Store(ms) }

func newTestController(t *testing.T, comp *model.Composition) (*Controller, *fakeDriver, *fakeClock) {
	t.Helper()
	driver := &fakeDriver{}
	clock := &fakeClock{}
	clock.set(1000000)
	return NewController(comp, driver, WithClock(clock.now)), driver, clock
}

func TestController_AddTrack(t *testing.T) {
	ctrl, _, _ := newTestController(t, &model.Composition{ID: "c1", Duration: model.SessionDurationMs})

	track, err := ctrl.AddTrack(2, "video-a")
	require.NoError(t, err)
	assert.Equal(t, 100, track.Volume)
	assert.Equal(t, 100, track.Opacity)

	var slotErr *InvalidSlotError
	_, err = ctrl.AddTrack(2, "video-b")
	require.ErrorAs(t, err, &slotErr, "occupied slot")

	_, err = ctrl.AddTrack(model.MaxSlots, "video-c")
	require.ErrorAs(t, err, &slotErr, "slot out of range")

	var dupErr *DuplicateSourceError
	_, err = ctrl.AddTrack(3, "video-a")
	require.ErrorAs(t, err, &dupErr, "same source twice")
	assert.Equal(t, "video-a", dupErr.SourceRef)
}

func TestController_TrackChangesOnlyWhileIdle(t *testing.T) {
	ctrl, _, _ := newTestController(t, newTestComposition(0))

	require.NoError(t, ctrl.StartPlayback(context.Background()))
	_, err := ctrl.AddTrack(1, "video-b")
	assert.ErrorIs(t, err, ErrEngineBusy)
	assert.ErrorIs(t, ctrl.RemoveTrack(0), ErrEngineBusy)
	require.NoError(t, ctrl.StopPlayback())

	_, err = ctrl.AddTrack(1, "video-b")
	assert.NoError(t, err)
}

func TestController_LiveVolumeFeedbackWhileIdle(t *testing.T) {
	ctrl, driver, _ := newTestController(t, newTestComposition(0))

	require.NoError(t, ctrl.SetVolume(0, 30))
	assert.Equal(t, 30, driver.lastVolume(t, 0))
	assert.Equal(t, 30, ctrl.Store().Composition().TrackBySlot(0).Volume)
	assert.Equal(t, 0, ctrl.Store().SessionCount(), "idle tweaks persist nothing")
}

func TestController_LockedTrackIgnoresLiveInput(t *testing.T) {
	comp := newTestComposition(0)
	comp.TrackBySlot(0).Locked = true
	ctrl, driver, _ := newTestController(t, comp)

	require.NoError(t, ctrl.SetVolume(0, 10))
	assert.Empty(t, driver.opsFor("volume"))
	assert.Equal(t, 100, comp.TrackBySlot(0).Volume)

	require.NoError(t, ctrl.SetKeyframe(0, 0, 9.0))
	zero := 0.0
	assert.Equal(t, &zero, comp.TrackBySlot(0).Keyframes[0], "bookmark untouched")
}

func TestController_RecordingCapturesAndFinalizes(t *testing.T) {
	ctrl, _, clock := newTestController(t, newTestComposition(0))

	require.NoError(t, ctrl.StartRecording(context.Background()))
	assert.Equal(t, ModeRecording, ctrl.Mode())

	clock.advance(5000)
	require.NoError(t, ctrl.SetVolume(0, 40))
	clock.advance(5000)
	require.NoError(t, ctrl.SetVolume(0, 60))

	clock.advance(10000)
	sess, err := ctrl.StopRecording()
	require.NoError(t, err)
	assert.Equal(t, ModeIdle, ctrl.Mode())
	assert.Equal(t, 1, sess.Session)
	assert.Equal(t, int64(20000), sess.Duration)

	vol := sess.ControlData[0].Volume
	require.Len(t, vol, 2)
	assert.Equal(t, int64(5000), vol[0].Timestamp)
	assert.Equal(t, 40, vol[0].Value)
	assert.Equal(t, int64(10000), vol[1].Timestamp)
	assert.Equal(t, 60, vol[1].Value)
}

func TestController_HijackNotifyDuringOverdub(t *testing.T) {
	comp := newTestComposition(0)
	comp.TrackBySlot(0).PairLinked = true

	var hijacked [][]Key
	driver := &fakeDriver{}
	clock := &fakeClock{}
	ctrl := NewController(comp, driver,
		WithClock(clock.now),
		WithHijackNotify(func(keys []Key) { hijacked = append(hijacked, keys) }),
	)

	require.NoError(t, ctrl.StartRecording(context.Background()))
	clock.advance(3000)
	require.NoError(t, ctrl.SetVolume(0, 100))

	require.Len(t, hijacked, 1, "touch with zero delta still takes ownership")
	assert.ElementsMatch(t, []Key{
		{Slot: 0, Control: model.ControlVolume},
		{Slot: 0, Control: model.ControlOpacity},
	}, hijacked[0])

	require.NoError(t, ctrl.SetVolume(0, 80))
	assert.Len(t, hijacked, 1, "second touch of an owned key is silent")

	_, err := ctrl.StopRecording()
	require.NoError(t, err)
}

func TestController_StartRecordingRequiresKeyframes(t *testing.T) {
	comp := newTestComposition(0)
	comp.TrackBySlot(0).Keyframes[0] = nil
	ctrl, _, _ := newTestController(t, comp)

	var mk *MissingKeyframeError
	err := ctrl.StartRecording(context.Background())
	require.ErrorAs(t, err, &mk)
	assert.Equal(t, ModeIdle, ctrl.Mode())
}

func TestController_StartCuesSlotsToEntryKeyframe(t *testing.T) {
	comp := newTestComposition(0)
	entry := 42.5
	comp.TrackBySlot(0).Keyframes[0] = &entry
	ctrl, driver, _ := newTestController(t, comp)

	require.NoError(t, ctrl.StartPlayback(context.Background()))
	defer func() { _ = ctrl.StopPlayback() }()

	seeks := driver.opsFor("seek")
	require.Len(t, seeks, 1)
	assert.Equal(t, 42.5, seeks[0].offset)
}

func TestController_TransportExclusive(t *testing.T) {
	ctrl, _, _ := newTestController(t, newTestComposition(0))

	require.NoError(t, ctrl.StartPlayback(context.Background()))
	assert.ErrorIs(t, ctrl.StartPlayback(context.Background()), ErrEngineBusy)
	assert.ErrorIs(t, ctrl.StartRecording(context.Background()), ErrEngineBusy)

	_, err := ctrl.StopRecording()
	assert.ErrorIs(t, err, ErrNoActiveSession, "playback cannot be stopped as a recording")
	require.NoError(t, ctrl.StopPlayback())
	assert.ErrorIs(t, ctrl.StopPlayback(), ErrNoActiveSession)
}

func TestController_KeyframeLifecycle(t *testing.T) {
	ctrl, driver, _ := newTestController(t, newTestComposition(0))
	comp := ctrl.Store().Composition()

	require.NoError(t, ctrl.SetKeyframe(0, 1, 7.5))
	require.NotNil(t, comp.TrackBySlot(0).Keyframes[1])
	assert.Equal(t, 7.5, *comp.TrackBySlot(0).Keyframes[1])

	require.NoError(t, ctrl.JumpKeyframe(0, 1))
	seeks := driver.opsFor("seek")
	require.Len(t, seeks, 1)
	assert.Equal(t, 7.5, seeks[0].offset)

	// jumping an empty bookmark is a quiet no-op
	require.NoError(t, ctrl.JumpKeyframe(0, 2))
	assert.Len(t, driver.opsFor("seek"), 1)

	require.NoError(t, ctrl.DeleteKeyframe(0, 1))
	assert.Nil(t, comp.TrackBySlot(0).Keyframes[1])

	var slotErr *InvalidSlotError
	assert.ErrorAs(t, ctrl.SetKeyframe(0, model.KeyframesPerTrack, 1.0), &slotErr)
}

func TestController_ElapsedClampedToDuration(t *testing.T) {
	ctrl, _, clock := newTestController(t, newTestComposition(0))
	assert.Equal(t, int64(0), ctrl.ElapsedMs())

	require.NoError(t, ctrl.StartRecording(context.Background()))
	clock.advance(1500)
	assert.Equal(t, int64(1500), ctrl.ElapsedMs())

	clock.advance(2 * model.SessionDurationMs)
	assert.Equal(t, model.SessionDurationMs, ctrl.ElapsedMs())

	_, err := ctrl.StopRecording()
	require.NoError(t, err)
	assert.Equal(t, int64(0), ctrl.ElapsedMs())
}
