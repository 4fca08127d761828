package media

import (
	"sync"
)

// State of one slot's playback sequencing.
type State int

const (
	StateIdle State = iota
	StateSeeking
	StateStarting
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateSeeking:
		return "seeking"
	case StateStarting:
		return "starting"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// warnThreshold 连续失败达到该次数才上报用户可见警告
const warnThreshold = 3

// SlotController sequences seek/play/pause against one player instance
// with explicit readiness state. Calls made before the player reports
// ready are held as pending and flushed on NotifyReady; rejected calls
// count toward a consecutive-failure warning but never abort a session.
type SlotController struct {
	slot   int
	player Player
	onWarn func(slot int, err error)

	mu       sync.Mutex
	ready    bool
	state    State
	failures int

	// pending intent, applied when the player becomes usable again
	pendingSeek *float64
	pendingPlay bool
}

// NewSlotController wraps a player for one slot. onWarn may be nil.
func NewSlotController(slot int, player Player, onWarn func(slot int, err error)) *SlotController {
	return &SlotController{slot: slot, player: player, onWarn: onWarn}
}

// State returns the sequencing state.
func (c *SlotController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the player has signalled readiness.
func (c *SlotController) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// SeekTo seeks the media, deferring until the player is ready.
func (c *SlotController) SeekTo(seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		c.pendingSeek = &seconds
		return
	}
	if err := c.player.SeekTo(seconds); err != nil {
		c.pendingSeek = &seconds // 下个 tick 重试
		c.fail("seek", err)
		return
	}
	c.ok()
	c.pendingSeek = nil
	c.state = StateSeeking
}

// Play starts playback. While a seek is in flight the intent is held and
// issued from NotifySeeked, replacing the nested-timeout sequencing the
// browser side would otherwise need.
func (c *SlotController) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready || c.state == StateSeeking || c.pendingSeek != nil {
		c.pendingPlay = true
		return
	}
	c.playLocked()
}

func (c *SlotController) playLocked() {
	if err := c.player.Play(); err != nil {
		c.pendingPlay = true
		c.fail("play", err)
		return
	}
	c.ok()
	c.pendingPlay = false
	c.state = StateStarting
}

// Pause pauses playback and drops any pending play intent.
func (c *SlotController) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingPlay = false
	if !c.ready {
		return
	}
	if err := c.player.Pause(); err != nil {
		c.fail("pause", err)
		return
	}
	c.ok()
	c.state = StatePaused
}

// SetVolume forwards a volume value, silently dropped until ready.
func (c *SlotController) SetVolume(value int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		return
	}
	if err := c.player.SetVolume(value); err != nil {
		c.fail("setVolume", err)
		return
	}
	c.ok()
}

// Mute mutes the slot.
func (c *SlotController) Mute() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return
	}
	if err := c.player.Mute(); err != nil {
		c.fail("mute", err)
		return
	}
	c.ok()
}

// Unmute unmutes the slot.
func (c *SlotController) Unmute() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return
	}
	if err := c.player.Unmute(); err != nil {
		c.fail("unmute", err)
		return
	}
	c.ok()
}

// Retry re-issues held intents; the deck layer calls this on each replay
// tick so a not-ready rejection heals without user action.
func (c *SlotController) Retry() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		return
	}
	if c.pendingSeek != nil {
		seconds := *c.pendingSeek
		if err := c.player.SeekTo(seconds); err != nil {
			c.fail("seek", err)
			return
		}
		c.ok()
		c.pendingSeek = nil
		c.state = StateSeeking
		return // play intent waits for NotifySeeked
	}
	if c.pendingPlay && c.state != StateSeeking {
		c.playLocked()
	}
}

// NotifyReady marks the player usable and flushes pending intent.
func (c *SlotController) NotifyReady() {
	c.mu.Lock()
	c.ready = true
	c.failures = 0
	c.mu.Unlock()
	c.Retry()
}

// NotifySeeked completes an in-flight seek, chaining into a held play.
func (c *SlotController) NotifySeeked() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateSeeking {
		if c.pendingPlay {
			c.playLocked()
		} else {
			c.state = StatePaused
		}
	}
}

// NotifyPlaying confirms playback actually started.
func (c *SlotController) NotifyPlaying() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStarting {
		c.state = StatePlaying
	}
}

// NotifyError records a player-reported failure, counting toward the
// consecutive-failure warning.
func (c *SlotController) NotifyError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail("player", err)
}

func (c *SlotController) ok() {
	c.failures = 0
}

// fail must be called with mu held.
func (c *SlotController) fail(op string, err error) {
	c.failures++
	if c.failures >= warnThreshold {
		c.failures = 0 // 上报后重新计数，避免重复刷屏
		if c.onWarn != nil {
			warn := c.onWarn
			capErr := &CapabilityError{Slot: c.slot, Op: op, Err: err}
			// 回调里可能再次调用控制器，放锁外执行
			c.mu.Unlock()
			warn(c.slot, capErr)
			c.mu.Lock()
		}
	}
}
