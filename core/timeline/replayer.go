package timeline

import (
	"context"
	"math"
	"sync"
	"time"

	"LoopDeck/model"
)

const (
	// ReplayTickMs 回放轮询周期
	ReplayTickMs int64 = 100
	// VolumeInterpWindowMs 音量线性插值窗口：下一采样距播放点在此窗口内才开始渐变
	VolumeInterpWindowMs int64 = 500
	// OpacityMatchWindowMs 透明度就近匹配窗口，不做插值
	// （音频平滑 vs 视觉即时的差异是有意保留的行为）
	OpacityMatchWindowMs int64 = 100

	volumeStep     = 2
	volumeStepFast = 5
	volumeFastGap  = 20
)

// Driver applies replayed values to the external media surface. Implemented
// by the deck layer, which forwards to per-slot media controllers and
// WebSocket clients.
type Driver interface {
	ApplyVolume(slot, value int)
	ApplyOpacity(slot, value int)
	SeekTo(slot int, offsetSec float64)
	// HighlightKeyframe drives transient visual feedback for replayed
	// set/delete events; it never mutates track keyframe state.
	HighlightKeyframe(slot, keyframeIndex int, action string)
}

// Replayer computes and applies the authoritative value of every
// non-hijacked control on a fixed cadence. Within one tick every key is
// evaluated against the same elapsed snapshot.
type Replayer struct {
	store  *Store
	driver Driver

	mu          sync.Mutex
	lastApplied map[int]int // per-slot applied volume, for the step limiter
	lastElapsed int64
}

// NewReplayer creates a replayer reading from the store and writing through
// the driver.
func NewReplayer(store *Store, driver Driver) *Replayer {
	p := &Replayer{store: store, driver: driver}
	p.Reset()
	return p
}

// Reset clears smoothing state; called before each playback/overdub run.
func (p *Replayer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastApplied = make(map[int]int)
	p.lastElapsed = -1
}

// Run ticks until the fixed session duration elapses or ctx is cancelled.
// Cancellation is immediate: no in-flight tick applies state afterwards.
func (p *Replayer) Run(ctx context.Context, startMs int64, now func() int64) {
	ticker := time.NewTicker(time.Duration(ReplayTickMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			elapsed := now() - startMs
			if elapsed >= model.SessionDurationMs {
				p.Tick(model.SessionDurationMs)
				return
			}
			p.Tick(elapsed)
		}
	}
}

// Tick evaluates every (slot, control) pair at one elapsed instant. Later
// sessions' samples take precedence over earlier ones; hijacked keys are the
// recorder's alone and are skipped.
func (p *Replayer) Tick(elapsed int64) {
	p.mu.Lock()
	from := p.lastElapsed
	p.lastElapsed = elapsed
	p.mu.Unlock()

	comp := p.store.Composition()
	for _, t := range comp.Tracks {
		p.tickVolume(t.Slot, elapsed)
		p.tickOpacity(t.Slot, elapsed)
		p.tickKeyframes(t.Slot, from, elapsed)
	}
}

func (p *Replayer) tickVolume(slot int, elapsed int64) {
	if p.store.IsHijacked(Key{Slot: slot, Control: model.ControlVolume}) {
		return
	}
	vals := p.store.EffectiveValues(slot, model.ControlVolume, elapsed)
	if len(vals) == 0 {
		return
	}
	// recording order: the most recent overdub layer wins
	win := vals[len(vals)-1]
	target := win.Current.Value
	if win.Next != nil {
		// ramp toward the upcoming sample once it comes within the window
		span := win.Next.Timestamp - win.Current.Timestamp
		if span > 0 && win.Next.Timestamp-elapsed <= VolumeInterpWindowMs {
			frac := float64(elapsed-win.Current.Timestamp) / float64(span)
			target = int(math.Round(float64(win.Current.Value) + frac*float64(win.Next.Value-win.Current.Value)))
		}
	}
	p.applyVolumeSmoothed(slot, model.ClampControlValue(target))
}

// applyVolumeSmoothed steps the applied volume toward the target instead of
// jumping, to avoid audible clicks. Small deltas apply directly; large gaps
// step faster. Never overshoots.
func (p *Replayer) applyVolumeSmoothed(slot, target int) {
	p.mu.Lock()
	last, ok := p.lastApplied[slot]
	if !ok {
		p.lastApplied[slot] = target
		p.mu.Unlock()
		p.driver.ApplyVolume(slot, target)
		return
	}

	diff := target - last
	next := target
	if diff > volumeStep || diff < -volumeStep {
		step := volumeStep
		if diff > volumeFastGap || diff < -volumeFastGap {
			step = volumeStepFast
		}
		if diff > 0 {
			next = last + step
		} else {
			next = last - step
		}
	}
	p.lastApplied[slot] = next
	p.mu.Unlock()
	p.driver.ApplyVolume(slot, next)
}

func (p *Replayer) tickOpacity(slot int, elapsed int64) {
	if p.store.IsHijacked(Key{Slot: slot, Control: model.ControlOpacity}) {
		return
	}
	vals := p.store.EffectiveValues(slot, model.ControlOpacity, elapsed)
	if len(vals) == 0 {
		return
	}
	win := vals[len(vals)-1]
	// nearest-sample match only; a stale sample was already applied when fresh
	if elapsed-win.Current.Timestamp > OpacityMatchWindowMs {
		return
	}
	p.driver.ApplyOpacity(slot, model.ClampControlValue(win.Current.Value))
}

func (p *Replayer) tickKeyframes(slot int, fromMs, toMs int64) {
	if p.store.IsHijacked(Key{Slot: slot, Control: model.ControlKeyframe}) {
		return
	}
	for _, ev := range p.store.KeyframeEventsBetween(slot, fromMs, toMs) {
		if ev.Action == model.KeyframeActionJump {
			if ev.Time != nil {
				p.driver.SeekTo(slot, *ev.Time)
			}
			continue
		}
		p.driver.HighlightKeyframe(slot, ev.KeyframeIndex, ev.Action)
	}
}
