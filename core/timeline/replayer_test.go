package timeline

import (
	"sync"
	"testing"

	"LoopDeck/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type driverCall struct {
	op     string
	slot   int
	value  int
	offset float64
	index  int
	action string
}

// fakeDriver records every applied value for assertion.
type fakeDriver struct {
	mu    sync.Mutex
	calls []driverCall
}

func (d *fakeDriver) ApplyVolume(slot, value int) {
	d.record(driverCall{op: "volume", slot: slot, value: value})
}

func (d *fakeDriver) ApplyOpacity(slot, value int) {
	d.record(driverCall{op: "opacity", slot: slot, value: value})
}

func (d *fakeDriver) SeekTo(slot int, offsetSec float64) {
	d.record(driverCall{op: "seek", slot: slot, offset: offsetSec})
}

func (d *fakeDriver) HighlightKeyframe(slot, keyframeIndex int, action string) {
	d.record(driverCall{op: "highlight", slot: slot, index: keyframeIndex, action: action})
}

func (d *fakeDriver) record(c driverCall) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, c)
}

func (d *fakeDriver) lastVolume(t *testing.T, slot int) int {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.calls) - 1; i >= 0; i-- {
		if d.calls[i].op == "volume" && d.calls[i].slot == slot {
			return d.calls[i].value
		}
	}
	t.Fatalf("no volume applied for slot %d", slot)
	return 0
}

func (d *fakeDriver) opsFor(op string) []driverCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []driverCall
	for _, c := range d.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (d *fakeDriver) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

// storeWithVolumeSamples finalizes one session with the given slot-0 volume
// samples.
func storeWithVolumeSamples(t *testing.T, samples ...model.ControlSample) *Store {
	t.Helper()
	store := NewStore(newTestComposition(0))
	_, err := store.StartSession(0)
	require.NoError(t, err)
	for _, s := range samples {
		require.NoError(t, store.AppendSample(0, model.ControlVolume, s))
	}
	_, err = store.FinalizeSession(model.SessionDurationMs)
	require.NoError(t, err)
	return store
}

func TestReplayer_VolumeInterpolationWithinWindow(t *testing.T) {
	store := storeWithVolumeSamples(t,
		model.ControlSample{Timestamp: 0, Value: 50},
		model.ControlSample{Timestamp: 400, Value: 90},
	)
	driver := &fakeDriver{}
	rp := NewReplayer(store, driver)

	rp.Tick(200)
	assert.Equal(t, 70, driver.lastVolume(t, 0), "halfway between adjacent samples 400ms apart")
}

func TestReplayer_VolumeRampGatedOnNextSampleDistance(t *testing.T) {
	samples := []model.ControlSample{
		{Timestamp: 0, Value: 50},
		{Timestamp: 1000, Value: 80},
	}

	cases := []struct {
		name    string
		elapsed int64
		want    int
	}{
		{"next sample still far, hold", 400, 50},
		{"halfway once within window", 500, 65},
		{"past the last sample", 2000, 80},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := storeWithVolumeSamples(t, samples...)
			driver := &fakeDriver{}
			rp := NewReplayer(store, driver)

			rp.Tick(tc.elapsed)
			assert.Equal(t, tc.want, driver.lastVolume(t, 0))
		})
	}
}

func TestReplayer_NoRampWhileNextSampleIsDistant(t *testing.T) {
	store := storeWithVolumeSamples(t,
		model.ControlSample{Timestamp: 0, Value: 50},
		model.ControlSample{Timestamp: 2000, Value: 80},
	)
	driver := &fakeDriver{}
	rp := NewReplayer(store, driver)

	rp.Tick(1000)
	assert.Equal(t, 50, driver.lastVolume(t, 0), "next sample a full second away, hold the current value")

	driver.reset()
	rp2 := NewReplayer(store, driver)
	rp2.Tick(1600)
	assert.Equal(t, 74, driver.lastVolume(t, 0), "ramp begins once the next sample is 400ms out")
}

func TestReplayer_VolumeStepLimiter(t *testing.T) {
	store := storeWithVolumeSamples(t,
		model.ControlSample{Timestamp: 0, Value: 50},
		model.ControlSample{Timestamp: 1000, Value: 52},
		model.ControlSample{Timestamp: 2000, Value: 60},
		model.ControlSample{Timestamp: 3000, Value: 90},
	)
	driver := &fakeDriver{}
	rp := NewReplayer(store, driver)

	rp.Tick(100)
	assert.Equal(t, 50, driver.lastVolume(t, 0), "first application is direct")

	rp.Tick(1100)
	assert.Equal(t, 52, driver.lastVolume(t, 0), "difference of two or less applies directly")

	rp.Tick(2100)
	assert.Equal(t, 54, driver.lastVolume(t, 0), "moderate gap steps by two")

	rp.Tick(3100)
	assert.Equal(t, 59, driver.lastVolume(t, 0), "gap beyond twenty steps by five")

	// converge on the target without overshooting
	for i := 0; i < 20; i++ {
		rp.Tick(3200 + int64(i)*100)
	}
	assert.Equal(t, 90, driver.lastVolume(t, 0))
	for _, c := range driver.opsFor("volume") {
		assert.LessOrEqual(t, c.value, 90)
	}
}

func TestReplayer_StepLimiterApproachesFromAbove(t *testing.T) {
	store := storeWithVolumeSamples(t,
		model.ControlSample{Timestamp: 0, Value: 80},
		model.ControlSample{Timestamp: 1000, Value: 20},
	)
	driver := &fakeDriver{}
	rp := NewReplayer(store, driver)

	rp.Tick(100)
	require.Equal(t, 80, driver.lastVolume(t, 0))

	rp.Tick(1100)
	assert.Equal(t, 75, driver.lastVolume(t, 0), "large downward gap steps by five")

	for i := 0; i < 30; i++ {
		rp.Tick(1200 + int64(i)*100)
	}
	assert.Equal(t, 20, driver.lastVolume(t, 0))
	for _, c := range driver.opsFor("volume") {
		assert.GreaterOrEqual(t, c.value, 20, "never undershoots the target")
	}
}

func TestReplayer_LatestSessionWins(t *testing.T) {
	store := NewStore(newTestComposition(0))

	_, err := store.StartSession(0)
	require.NoError(t, err)
	require.NoError(t, store.AppendSample(0, model.ControlVolume, model.ControlSample{Timestamp: 500, Value: 30}))
	_, err = store.FinalizeSession(model.SessionDurationMs)
	require.NoError(t, err)

	_, err = store.StartSession(100000)
	require.NoError(t, err)
	require.NoError(t, store.AppendSample(0, model.ControlVolume, model.ControlSample{Timestamp: 200, Value: 70}))
	_, err = store.FinalizeSession(100000 + model.SessionDurationMs)
	require.NoError(t, err)

	driver := &fakeDriver{}
	rp := NewReplayer(store, driver)
	rp.Tick(1000)
	assert.Equal(t, 70, driver.lastVolume(t, 0), "the later overdub layer shadows the earlier one")
}

func TestReplayer_HijackedKeysSkipped(t *testing.T) {
	store := storeWithVolumeSamples(t, model.ControlSample{Timestamp: 0, Value: 40})
	store.Hijack([]Key{{Slot: 0, Control: model.ControlVolume}})

	driver := &fakeDriver{}
	rp := NewReplayer(store, driver)
	rp.Tick(500)
	assert.Empty(t, driver.opsFor("volume"), "a live-owned control is the recorder's alone")
}

func TestReplayer_OpacityNearestMatchWindow(t *testing.T) {
	store := NewStore(newTestComposition(0))
	_, err := store.StartSession(0)
	require.NoError(t, err)
	require.NoError(t, store.AppendSample(0, model.ControlOpacity, model.ControlSample{Timestamp: 1000, Value: 35}))
	_, err = store.FinalizeSession(model.SessionDurationMs)
	require.NoError(t, err)

	driver := &fakeDriver{}
	rp := NewReplayer(store, driver)

	rp.Tick(1050)
	calls := driver.opsFor("opacity")
	require.Len(t, calls, 1)
	assert.Equal(t, 35, calls[0].value)

	driver.reset()
	rp.Tick(1300)
	assert.Empty(t, driver.opsFor("opacity"), "a stale sample is not re-applied")
}

func TestReplayer_KeyframeEvents(t *testing.T) {
	store := NewStore(newTestComposition(0))
	_, err := store.StartSession(0)
	require.NoError(t, err)
	jumpTo := 12.5
	setAt := 3.0
	require.NoError(t, store.AppendKeyframeSample(0, model.KeyframeSample{Timestamp: 500, KeyframeIndex: 1, Time: &setAt, Action: model.KeyframeActionSet}))
	require.NoError(t, store.AppendKeyframeSample(0, model.KeyframeSample{Timestamp: 800, KeyframeIndex: 0, Time: &jumpTo, Action: model.KeyframeActionJump}))
	require.NoError(t, store.AppendKeyframeSample(0, model.KeyframeSample{Timestamp: 900, KeyframeIndex: 2, Action: model.KeyframeActionDelete}))
	_, err = store.FinalizeSession(model.SessionDurationMs)
	require.NoError(t, err)

	driver := &fakeDriver{}
	rp := NewReplayer(store, driver)

	rp.Tick(1000)

	seeks := driver.opsFor("seek")
	require.Len(t, seeks, 1)
	assert.Equal(t, 12.5, seeks[0].offset)

	highlights := driver.opsFor("highlight")
	require.Len(t, highlights, 2)
	assert.Equal(t, model.KeyframeActionSet, highlights[0].action)
	assert.Equal(t, model.KeyframeActionDelete, highlights[1].action)

	// the window advanced; the same events do not replay on the next tick
	driver.reset()
	rp.Tick(1100)
	assert.Empty(t, driver.opsFor("seek"))
	assert.Empty(t, driver.opsFor("highlight"))
}

func TestReplayer_ResetClearsSmoothingState(t *testing.T) {
	store := storeWithVolumeSamples(t, model.ControlSample{Timestamp: 0, Value: 90})
	driver := &fakeDriver{}
	rp := NewReplayer(store, driver)

	rp.Tick(100)
	require.Equal(t, 90, driver.lastVolume(t, 0))

	rp.Reset()
	driver.reset()
	rp.Tick(100)
	assert.Equal(t, 90, driver.lastVolume(t, 0), "after reset the first application is direct again")
}
