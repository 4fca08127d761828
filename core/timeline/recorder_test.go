package timeline

import (
	"testing"

	"LoopDeck/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_ThrottleDropsNotCoalesces(t *testing.T) {
	store := NewStore(newTestComposition(0))
	rec := NewRecorder(store)

	_, err := store.StartSession(1000)
	require.NoError(t, err)
	rec.Reset()

	// accepted, dropped, dropped, accepted
	rec.OnVolumeChange(0, 10, 1000)
	rec.OnVolumeChange(0, 20, 1010)
	rec.OnVolumeChange(0, 30, 1024)
	rec.OnVolumeChange(0, 40, 1025)

	sess, err := store.FinalizeSession(2000)
	require.NoError(t, err)

	vol := sess.ControlData[0].Volume
	require.Len(t, vol, 2)
	assert.Equal(t, int64(0), vol[0].Timestamp)
	assert.Equal(t, 10, vol[0].Value)
	assert.Equal(t, int64(25), vol[1].Timestamp)
	assert.Equal(t, 40, vol[1].Value, "dropped values are gone, not merged into the next sample")
}

func TestRecorder_ThrottleIsPerKey(t *testing.T) {
	store := NewStore(newTestComposition(0, 1))
	rec := NewRecorder(store)

	_, err := store.StartSession(0)
	require.NoError(t, err)
	rec.Reset()

	rec.OnVolumeChange(0, 10, 5)
	rec.OnOpacityChange(0, 20, 5)
	rec.OnVolumeChange(1, 30, 5)

	sess, err := store.FinalizeSession(1000)
	require.NoError(t, err)

	assert.Len(t, sess.ControlData[0].Volume, 1)
	assert.Len(t, sess.ControlData[0].Opacity, 1, "opacity has its own throttle window")
	assert.Len(t, sess.ControlData[1].Volume, 1, "each slot has its own throttle window")
}

func TestRecorder_NoopWithoutSession(t *testing.T) {
	store := NewStore(newTestComposition(0))
	rec := NewRecorder(store)

	rec.OnVolumeChange(0, 50, 1000)
	ts := 1.0
	rec.OnKeyframeEvent(0, 0, &ts, model.KeyframeActionSet, 1000)

	assert.Empty(t, store.Composition().Sessions)
}

func TestRecorder_ClampsValues(t *testing.T) {
	store := NewStore(newTestComposition(0))
	rec := NewRecorder(store)

	_, err := store.StartSession(0)
	require.NoError(t, err)
	rec.Reset()

	rec.OnVolumeChange(0, 150, 0)
	rec.OnOpacityChange(0, -10, 0)

	sess, err := store.FinalizeSession(500)
	require.NoError(t, err)
	assert.Equal(t, 100, sess.ControlData[0].Volume[0].Value)
	assert.Equal(t, 0, sess.ControlData[0].Opacity[0].Value)
}

func TestRecorder_KeyframeEventsUnthrottled(t *testing.T) {
	store := NewStore(newTestComposition(0))
	rec := NewRecorder(store)

	_, err := store.StartSession(1000)
	require.NoError(t, err)
	rec.Reset()

	at := 7.25
	rec.OnKeyframeEvent(0, 0, &at, model.KeyframeActionSet, 1005)
	rec.OnKeyframeEvent(0, 1, &at, model.KeyframeActionSet, 1010)
	rec.OnKeyframeEvent(0, 0, &at, model.KeyframeActionJump, 1012)

	sess, err := store.FinalizeSession(2000)
	require.NoError(t, err)
	require.Len(t, sess.ControlData[0].Timestamps, 3, "discrete events land even within one throttle window")
	assert.Equal(t, model.KeyframeActionJump, sess.ControlData[0].Timestamps[2].Action)
}

func TestRecorder_DeleteEventStoresNilTime(t *testing.T) {
	store := NewStore(newTestComposition(0))
	rec := NewRecorder(store)

	_, err := store.StartSession(0)
	require.NoError(t, err)
	rec.Reset()

	stale := 4.0
	rec.OnKeyframeEvent(0, 2, &stale, model.KeyframeActionDelete, 100)

	sess, err := store.FinalizeSession(500)
	require.NoError(t, err)
	require.Len(t, sess.ControlData[0].Timestamps, 1)
	assert.Nil(t, sess.ControlData[0].Timestamps[0].Time)
}

func TestRecorder_SessionRelativeTimestamps(t *testing.T) {
	store := NewStore(newTestComposition(0))
	rec := NewRecorder(store)

	_, err := store.StartSession(500000)
	require.NoError(t, err)
	rec.Reset()

	rec.OnVolumeChange(0, 60, 512345)
	// clock skew before the start instant floors at zero
	rec.OnOpacityChange(0, 70, 499000)

	sess, err := store.FinalizeSession(520000)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), sess.ControlData[0].Volume[0].Timestamp)
	assert.Equal(t, int64(0), sess.ControlData[0].Opacity[0].Timestamp)
}
