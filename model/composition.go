package model

// ControlType identifies one recordable control on a slot.
type ControlType string

const (
	ControlVolume   ControlType = "volume"
	ControlOpacity  ControlType = "opacity"
	ControlKeyframe ControlType = "timestamps"
)

// Keyframe event actions.
const (
	KeyframeActionSet    = "set"
	KeyframeActionJump   = "jump"
	KeyframeActionDelete = "delete"
)

const (
	// MaxSlots 固定6个视频槽位
	MaxSlots = 6
	// KeyframesPerTrack 每个轨道最多3个关键帧
	KeyframesPerTrack = 3
	// SessionDurationMs 每次录制固定60秒
	SessionDurationMs int64 = 60000
)

// ControlSample is a single recorded volume or opacity data point.
// Timestamp is in milliseconds relative to session start, Value is 0-100.
type ControlSample struct {
	Timestamp int64 `json:"timestamp"`
	Value     int   `json:"value"`
}

// KeyframeSample is a single recorded keyframe event. Time is the resulting
// offset in seconds into the source, nil for delete events.
type KeyframeSample struct {
	Timestamp     int64    `json:"timestamp"`
	KeyframeIndex int      `json:"keyframeIndex"`
	Time          *float64 `json:"time"`
	Action        string   `json:"action"`
}

// SlotControlData holds the ordered-by-timestamp sample logs for one slot
// within one session.
type SlotControlData struct {
	Volume     []ControlSample  `json:"volume,omitempty"`
	Opacity    []ControlSample  `json:"opacity,omitempty"`
	Timestamps []KeyframeSample `json:"timestamps,omitempty"`
}

// Empty reports whether no samples are recorded for this slot.
func (d *SlotControlData) Empty() bool {
	return len(d.Volume) == 0 && len(d.Opacity) == 0 && len(d.Timestamps) == 0
}

// Session is one completed (or in-progress) recording pass.
type Session struct {
	Session     int                      `json:"session"`   // 1-based ordinal
	StartTime   int64                    `json:"startTime"` // wall clock, unix ms
	Duration    int64                    `json:"duration"`  // actual elapsed ms
	ControlData map[int]*SlotControlData `json:"controlData"`
}

// SlotData returns the control log for a slot, creating it if needed.
func (s *Session) SlotData(slot int) *SlotControlData {
	if s.ControlData == nil {
		s.ControlData = make(map[int]*SlotControlData)
	}
	d, ok := s.ControlData[slot]
	if !ok {
		d = &SlotControlData{}
		s.ControlData[slot] = d
	}
	return d
}

// Track is the per-slot record of a loaded media source and its control state.
type Track struct {
	Slot        int                         `json:"slot"`
	SourceRef   string                      `json:"sourceRef"`
	Keyframes   [KeyframesPerTrack]*float64 `json:"keyframes"`
	Locked      bool                        `json:"locked"`
	CrossLinked bool                        `json:"crossLinked"` // 跨模块联动
	PairLinked  bool                        `json:"pairLinked"`  // 模块内音量-透明度联动
	Volume      int                         `json:"volume"`
	Opacity     int                         `json:"opacity"`
}

// HasKeyframe reports whether at least one keyframe is set. A track with no
// keyframe at all cannot start a recording session.
func (t *Track) HasKeyframe() bool {
	for _, kf := range t.Keyframes {
		if kf != nil {
			return true
		}
	}
	return false
}

// Composition is the top-level saved artifact.
type Composition struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedAt int64      `json:"createdAt"` // unix ms
	Tracks    []*Track   `json:"tracks"`
	Sessions  []*Session `json:"sessions"`
	Duration  int64      `json:"duration"`
	Thumbnail string     `json:"thumbnail,omitempty"`
}

// TrackBySlot returns the track occupying a slot, or nil.
func (c *Composition) TrackBySlot(slot int) *Track {
	for _, t := range c.Tracks {
		if t.Slot == slot {
			return t
		}
	}
	return nil
}

// ClampControlValue clamps a volume/opacity value to [0,100].
func ClampControlValue(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
