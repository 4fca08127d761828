package timeline

import (
	"testing"

	"LoopDeck/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestComposition builds a composition with tracks in the given slots,
// each with its first keyframe set so sessions can start.
func newTestComposition(slots ...int) *model.Composition {
	comp := &model.Composition{
		ID:       "test-comp",
		Name:     "test",
		Duration: model.SessionDurationMs,
	}
	zero := 0.0
	for _, slot := range slots {
		t := &model.Track{
			Slot:      slot,
			SourceRef: "video-" + string(rune('a'+slot)),
			Volume:    100,
			Opacity:   100,
		}
		t.Keyframes[0] = &zero
		comp.Tracks = append(comp.Tracks, t)
	}
	return comp
}

func TestStartSession_RequiresKeyframes(t *testing.T) {
	comp := newTestComposition(0, 2, 1)
	comp.TrackBySlot(2).Keyframes[0] = nil
	comp.TrackBySlot(1).Keyframes[0] = nil
	store := NewStore(comp)

	_, err := store.StartSession(1000)
	require.Error(t, err)

	var mk *MissingKeyframeError
	require.ErrorAs(t, err, &mk)
	assert.Equal(t, []int{1, 2}, mk.Slots, "offending slots should be sorted")

	_, _, ok := store.ActiveSession()
	assert.False(t, ok)
}

func TestStartSession_OrdinalsIncrease(t *testing.T) {
	store := NewStore(newTestComposition(0))

	ord, err := store.StartSession(1000)
	require.NoError(t, err)
	assert.Equal(t, 1, ord)

	_, err = store.StartSession(2000)
	assert.ErrorIs(t, err, ErrSessionActive)

	_, err = store.FinalizeSession(5000)
	require.NoError(t, err)

	ord, err = store.StartSession(6000)
	require.NoError(t, err)
	assert.Equal(t, 2, ord)
}

func TestAppendSample_NoActiveSession(t *testing.T) {
	store := NewStore(newTestComposition(0))
	err := store.AppendSample(0, model.ControlVolume, model.ControlSample{Timestamp: 0, Value: 50})
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestAppendSample_TimestampsNonDecreasing(t *testing.T) {
	store := NewStore(newTestComposition(0))
	_, err := store.StartSession(0)
	require.NoError(t, err)

	require.NoError(t, store.AppendSample(0, model.ControlVolume, model.ControlSample{Timestamp: 500, Value: 10}))
	// out-of-order timestamp gets clamped up, not rejected
	require.NoError(t, store.AppendSample(0, model.ControlVolume, model.ControlSample{Timestamp: 300, Value: 20}))

	sess, err := store.FinalizeSession(1000)
	require.NoError(t, err)

	vol := sess.ControlData[0].Volume
	require.Len(t, vol, 2)
	assert.Equal(t, int64(500), vol[0].Timestamp)
	assert.Equal(t, int64(500), vol[1].Timestamp)
	assert.Equal(t, 20, vol[1].Value)
}

func TestFinalizeSession_ClampsDuration(t *testing.T) {
	store := NewStore(newTestComposition(0))

	_, err := store.StartSession(10000)
	require.NoError(t, err)
	sess, err := store.FinalizeSession(33500)
	require.NoError(t, err)
	assert.Equal(t, int64(23500), sess.Duration, "early stop keeps the actual elapsed duration")

	_, err = store.StartSession(100000)
	require.NoError(t, err)
	sess, err = store.FinalizeSession(100000 + model.SessionDurationMs + 5000)
	require.NoError(t, err)
	assert.Equal(t, model.SessionDurationMs, sess.Duration)

	assert.Equal(t, 2, store.SessionCount())
	_, err = store.FinalizeSession(0)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestEffectiveValues_LatestSampleAndSuccessor(t *testing.T) {
	store := NewStore(newTestComposition(0))
	_, err := store.StartSession(0)
	require.NoError(t, err)
	for _, s := range []model.ControlSample{{Timestamp: 1000, Value: 30}, {Timestamp: 2000, Value: 60}, {Timestamp: 3000, Value: 90}} {
		require.NoError(t, store.AppendSample(0, model.ControlVolume, s))
	}
	_, err = store.FinalizeSession(model.SessionDurationMs)
	require.NoError(t, err)

	// before the first sample: nothing is effective yet
	assert.Empty(t, store.EffectiveValues(0, model.ControlVolume, 500))

	vals := store.EffectiveValues(0, model.ControlVolume, 2500)
	require.Len(t, vals, 1)
	assert.Equal(t, 1, vals[0].Session)
	assert.Equal(t, 60, vals[0].Current.Value)
	require.NotNil(t, vals[0].Next)
	assert.Equal(t, 90, vals[0].Next.Value)

	vals = store.EffectiveValues(0, model.ControlVolume, 50000)
	require.Len(t, vals, 1)
	assert.Equal(t, 90, vals[0].Current.Value)
	assert.Nil(t, vals[0].Next, "last sample has no successor")
}

func TestEffectiveValues_MultipleSessionsInOrder(t *testing.T) {
	store := NewStore(newTestComposition(0))

	_, err := store.StartSession(0)
	require.NoError(t, err)
	require.NoError(t, store.AppendSample(0, model.ControlVolume, model.ControlSample{Timestamp: 1000, Value: 40}))
	_, err = store.FinalizeSession(model.SessionDurationMs)
	require.NoError(t, err)

	_, err = store.StartSession(100000)
	require.NoError(t, err)
	require.NoError(t, store.AppendSample(0, model.ControlVolume, model.ControlSample{Timestamp: 500, Value: 70}))
	_, err = store.FinalizeSession(100000 + model.SessionDurationMs)
	require.NoError(t, err)

	vals := store.EffectiveValues(0, model.ControlVolume, 5000)
	require.Len(t, vals, 2)
	assert.Equal(t, 1, vals[0].Session)
	assert.Equal(t, 40, vals[0].Current.Value)
	assert.Equal(t, 2, vals[1].Session)
	assert.Equal(t, 70, vals[1].Current.Value)
}

func TestTruncateFrom_CutsFinalizedSessions(t *testing.T) {
	store := NewStore(newTestComposition(0))
	_, err := store.StartSession(0)
	require.NoError(t, err)
	for _, s := range []model.ControlSample{{Timestamp: 1000, Value: 10}, {Timestamp: 20000, Value: 50}, {Timestamp: 40000, Value: 90}} {
		require.NoError(t, store.AppendSample(0, model.ControlVolume, s))
	}
	require.NoError(t, store.AppendSample(0, model.ControlOpacity, model.ControlSample{Timestamp: 30000, Value: 80}))
	sess, err := store.FinalizeSession(model.SessionDurationMs)
	require.NoError(t, err)

	store.TruncateFrom(0, model.ControlVolume, 20000)

	vol := sess.ControlData[0].Volume
	require.Len(t, vol, 1, "samples at or after the cut point are removed")
	assert.Equal(t, int64(1000), vol[0].Timestamp)
	assert.Len(t, sess.ControlData[0].Opacity, 1, "other controls are untouched")

	// idempotent
	store.TruncateFrom(0, model.ControlVolume, 20000)
	assert.Len(t, sess.ControlData[0].Volume, 1)

	store.TruncateFrom(0, model.ControlVolume, 0)
	assert.Empty(t, sess.ControlData[0].Volume)
}

func TestTruncateFrom_Keyframes(t *testing.T) {
	store := NewStore(newTestComposition(0))
	_, err := store.StartSession(0)
	require.NoError(t, err)
	ts := 12.5
	require.NoError(t, store.AppendKeyframeSample(0, model.KeyframeSample{Timestamp: 5000, KeyframeIndex: 0, Time: &ts, Action: model.KeyframeActionSet}))
	require.NoError(t, store.AppendKeyframeSample(0, model.KeyframeSample{Timestamp: 15000, KeyframeIndex: 1, Time: &ts, Action: model.KeyframeActionSet}))
	sess, err := store.FinalizeSession(model.SessionDurationMs)
	require.NoError(t, err)

	store.TruncateFrom(0, model.ControlKeyframe, 10000)
	require.Len(t, sess.ControlData[0].Timestamps, 1)
	assert.Equal(t, int64(5000), sess.ControlData[0].Timestamps[0].Timestamp)
}

func TestHijack_SetSemantics(t *testing.T) {
	store := NewStore(newTestComposition(0, 1))
	_, err := store.StartSession(0)
	require.NoError(t, err)

	k0 := Key{Slot: 0, Control: model.ControlVolume}
	k1 := Key{Slot: 1, Control: model.ControlVolume}

	added := store.Hijack([]Key{k0, k1})
	assert.ElementsMatch(t, []Key{k0, k1}, added)
	assert.True(t, store.IsHijacked(k0))

	added = store.Hijack([]Key{k0})
	assert.Empty(t, added, "re-hijacking an owned key reports nothing new")

	assert.ElementsMatch(t, []Key{k0, k1}, store.HijackedKeys())

	_, err = store.FinalizeSession(1000)
	require.NoError(t, err)
	assert.False(t, store.IsHijacked(k0), "hijack set clears when the session ends")
	assert.Empty(t, store.HijackedKeys())
}

func TestKeyframeEventsBetween_HalfOpenWindow(t *testing.T) {
	store := NewStore(newTestComposition(0))
	_, err := store.StartSession(0)
	require.NoError(t, err)
	ts := 3.0
	for _, at := range []int64{1000, 2000, 3000} {
		require.NoError(t, store.AppendKeyframeSample(0, model.KeyframeSample{Timestamp: at, KeyframeIndex: 0, Time: &ts, Action: model.KeyframeActionSet}))
	}
	_, err = store.FinalizeSession(model.SessionDurationMs)
	require.NoError(t, err)

	evs := store.KeyframeEventsBetween(0, 1000, 3000)
	require.Len(t, evs, 2, "window is (from, to]")
	assert.Equal(t, int64(2000), evs[0].Timestamp)
	assert.Equal(t, int64(3000), evs[1].Timestamp)
}
