package timeline

import (
	"encoding/json"
	"testing"

	"LoopDeck/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exportableComposition(t *testing.T) *model.Composition {
	t.Helper()
	comp := newTestComposition(0, 3)
	store := NewStore(comp)
	_, err := store.StartSession(0)
	require.NoError(t, err)
	require.NoError(t, store.AppendSample(0, model.ControlVolume, model.ControlSample{Timestamp: 100, Value: 55}))
	require.NoError(t, store.AppendSample(3, model.ControlOpacity, model.ControlSample{Timestamp: 200, Value: 80}))
	at := 6.0
	require.NoError(t, store.AppendKeyframeSample(0, model.KeyframeSample{Timestamp: 300, KeyframeIndex: 1, Time: &at, Action: model.KeyframeActionSet}))
	_, err = store.FinalizeSession(45000)
	require.NoError(t, err)
	return comp
}

func TestExportImport_RoundTrip(t *testing.T) {
	comp := exportableComposition(t)

	blob, err := Export(comp)
	require.NoError(t, err)

	loaded, err := Import(blob)
	require.NoError(t, err)

	assert.Equal(t, comp.ID, loaded.ID)
	require.Len(t, loaded.Tracks, 2)
	require.Len(t, loaded.Sessions, 1)
	assert.Equal(t, int64(45000), loaded.Sessions[0].Duration)
	assert.Equal(t, comp.Sessions[0].ControlData[0].Volume, loaded.Sessions[0].ControlData[0].Volume)
	assert.Equal(t, comp.Sessions[0].ControlData[3].Opacity, loaded.Sessions[0].ControlData[3].Opacity)
	require.Len(t, loaded.Sessions[0].ControlData[0].Timestamps, 1)
	require.NotNil(t, loaded.Sessions[0].ControlData[0].Timestamps[0].Time)
	assert.Equal(t, 6.0, *loaded.Sessions[0].ControlData[0].Timestamps[0].Time)
}

func TestExport_SessionDataKeyedBySlot(t *testing.T) {
	blob, err := Export(exportableComposition(t))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(blob, &raw))
	sessions, ok := raw["sessions"].([]any)
	require.True(t, ok)
	require.Len(t, sessions, 1)
	controlData, ok := sessions[0].(map[string]any)["controlData"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, controlData, "0")
	assert.Contains(t, controlData, "3", "slot indices serialize as object keys")
}

func TestImport_FillsDefaults(t *testing.T) {
	loaded, err := Import([]byte(`{"name":"untitled","duration":60000}`))
	require.NoError(t, err)
	assert.NotEmpty(t, loaded.ID, "missing id gets generated")

	loaded, err = Import([]byte(`{"id":"x","name":"untitled"}`))
	require.NoError(t, err)
	assert.Equal(t, model.SessionDurationMs, loaded.Duration)
}

func TestImport_RejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		blob string
	}{
		{"not json", `{"tracks": [`},
		{"wrong duration", `{"id":"x","duration":30000}`},
		{"slot out of range", `{"id":"x","duration":60000,"tracks":[{"slot":6,"sourceRef":"a","volume":100,"opacity":100}]}`},
		{"duplicate slot", `{"id":"x","duration":60000,"tracks":[{"slot":1,"sourceRef":"a","volume":100,"opacity":100},{"slot":1,"sourceRef":"b","volume":100,"opacity":100}]}`},
		{"duplicate source", `{"id":"x","duration":60000,"tracks":[{"slot":0,"sourceRef":"a","volume":100,"opacity":100},{"slot":1,"sourceRef":"a","volume":100,"opacity":100}]}`},
		{"empty source", `{"id":"x","duration":60000,"tracks":[{"slot":0,"sourceRef":"","volume":100,"opacity":100}]}`},
		{"volume out of range", `{"id":"x","duration":60000,"tracks":[{"slot":0,"sourceRef":"a","volume":120,"opacity":100}]}`},
		{"ordinals not increasing", `{"id":"x","duration":60000,"sessions":[{"session":2,"duration":60000},{"session":1,"duration":60000}]}`},
		{"session for empty slot", `{"id":"x","duration":60000,"sessions":[{"session":1,"duration":60000,"controlData":{"2":{"volume":[{"timestamp":0,"value":50}]}}}]}`},
		{"sample value out of range", `{"id":"x","duration":60000,"tracks":[{"slot":0,"sourceRef":"a","volume":100,"opacity":100}],"sessions":[{"session":1,"duration":60000,"controlData":{"0":{"volume":[{"timestamp":0,"value":200}]}}}]}`},
		{"samples out of order", `{"id":"x","duration":60000,"tracks":[{"slot":0,"sourceRef":"a","volume":100,"opacity":100}],"sessions":[{"session":1,"duration":60000,"controlData":{"0":{"volume":[{"timestamp":500,"value":50},{"timestamp":100,"value":60}]}}}]}`},
		{"bad keyframe action", `{"id":"x","duration":60000,"tracks":[{"slot":0,"sourceRef":"a","volume":100,"opacity":100}],"sessions":[{"session":1,"duration":60000,"controlData":{"0":{"timestamps":[{"timestamp":0,"keyframeIndex":0,"action":"wiggle"}]}}}]}`},
		{"keyframe index out of range", `{"id":"x","duration":60000,"tracks":[{"slot":0,"sourceRef":"a","volume":100,"opacity":100}],"sessions":[{"session":1,"duration":60000,"controlData":{"0":{"timestamps":[{"timestamp":0,"keyframeIndex":3,"action":"set"}]}}}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Import([]byte(tc.blob))
			assert.Error(t, err)
		})
	}
}

func TestImport_TypedValidationErrors(t *testing.T) {
	var dup *DuplicateSourceError
	_, err := Import([]byte(`{"id":"x","duration":60000,"tracks":[{"slot":0,"sourceRef":"a","volume":100,"opacity":100},{"slot":1,"sourceRef":"a","volume":100,"opacity":100}]}`))
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "a", dup.SourceRef)

	var slot *InvalidSlotError
	_, err = Import([]byte(`{"id":"x","duration":60000,"tracks":[{"slot":-1,"sourceRef":"a","volume":100,"opacity":100}]}`))
	require.ErrorAs(t, err, &slot)
	assert.Equal(t, -1, slot.Slot)
}
