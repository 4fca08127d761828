package media

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlayer records calls and fails ops listed in failOps.
type fakePlayer struct {
	calls   []string
	seeks   []float64
	volumes []int
	failOps map[string]error
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{failOps: make(map[string]error)}
}

func (p *fakePlayer) op(name string) error {
	p.calls = append(p.calls, name)
	return p.failOps[name]
}

func (p *fakePlayer) SeekTo(seconds float64) error {
	if err := p.op("seek"); err != nil {
		return err
	}
	p.seeks = append(p.seeks, seconds)
	return nil
}

func (p *fakePlayer) Play() error  { return p.op("play") }
func (p *fakePlayer) Pause() error { return p.op("pause") }

func (p *fakePlayer) SetVolume(value int) error {
	if err := p.op("setVolume"); err != nil {
		return err
	}
	p.volumes = append(p.volumes, value)
	return nil
}

func (p *fakePlayer) Mute() error   { return p.op("mute") }
func (p *fakePlayer) Unmute() error { return p.op("unmute") }

func (p *fakePlayer) CurrentTime() (float64, error) { return 0, nil }
func (p *fakePlayer) Duration() (float64, error)    { return 0, nil }

func (p *fakePlayer) count(name string) int {
	n := 0
	for _, c := range p.calls {
		if c == name {
			n++
		}
	}
	return n
}

func TestSlotController_CallsHeldUntilReady(t *testing.T) {
	player := newFakePlayer()
	c := NewSlotController(0, player, nil)

	c.SeekTo(12.0)
	c.Play()
	c.SetVolume(80)
	assert.Empty(t, player.calls, "nothing reaches a player that never signalled ready")
	assert.Equal(t, StateIdle, c.State())

	c.NotifyReady()
	require.Equal(t, []float64{12.0}, player.seeks)
	assert.Equal(t, StateSeeking, c.State())
	assert.Zero(t, player.count("play"), "play waits for the seek to land")

	c.NotifySeeked()
	assert.Equal(t, 1, player.count("play"))
	assert.Equal(t, StateStarting, c.State())

	c.NotifyPlaying()
	assert.Equal(t, StatePlaying, c.State())
}

func TestSlotController_SeekWithoutPlayEndsPaused(t *testing.T) {
	player := newFakePlayer()
	c := NewSlotController(0, player, nil)
	c.NotifyReady()

	c.SeekTo(5.0)
	c.NotifySeeked()
	assert.Equal(t, StatePaused, c.State())
	assert.Zero(t, player.count("play"))
}

func TestSlotController_PlayHeldWhileSeekInFlight(t *testing.T) {
	player := newFakePlayer()
	c := NewSlotController(0, player, nil)
	c.NotifyReady()

	c.SeekTo(3.0)
	require.Equal(t, StateSeeking, c.State())
	c.Play()
	assert.Zero(t, player.count("play"))

	c.NotifySeeked()
	assert.Equal(t, 1, player.count("play"))
}

func TestSlotController_PauseDropsPendingPlay(t *testing.T) {
	player := newFakePlayer()
	c := NewSlotController(0, player, nil)
	c.NotifyReady()

	c.SeekTo(3.0)
	c.Play()
	c.Pause()
	c.NotifySeeked()
	assert.Zero(t, player.count("play"), "pause cancels the queued start")
	assert.Equal(t, StatePaused, c.State())
}

func TestSlotController_RetryHealsFailedSeek(t *testing.T) {
	player := newFakePlayer()
	c := NewSlotController(0, player, nil)
	c.NotifyReady()

	player.failOps["seek"] = errors.New("not seekable yet")
	c.SeekTo(7.0)
	c.Play()
	assert.Empty(t, player.seeks)

	// player recovers; the next tick's retry re-issues seek then play
	delete(player.failOps, "seek")
	c.Retry()
	require.Equal(t, []float64{7.0}, player.seeks)
	assert.Equal(t, StateSeeking, c.State())

	c.NotifySeeked()
	assert.Equal(t, 1, player.count("play"))
}

func TestSlotController_RetryIsIdempotentWhenClean(t *testing.T) {
	player := newFakePlayer()
	c := NewSlotController(0, player, nil)
	c.NotifyReady()

	c.Retry()
	c.Retry()
	assert.Empty(t, player.calls)
}

func TestSlotController_ConsecutiveFailureWarning(t *testing.T) {
	var warned []error
	player := newFakePlayer()
	player.failOps["play"] = errors.New("decode stall")
	c := NewSlotController(4, player, func(slot int, err error) {
		warned = append(warned, err)
	})
	c.NotifyReady()

	c.Play()
	c.Play()
	assert.Empty(t, warned, "two failures stay quiet")

	c.Play()
	require.Len(t, warned, 1)
	var capErr *CapabilityError
	require.ErrorAs(t, warned[0], &capErr)
	assert.Equal(t, 4, capErr.Slot)
	assert.Equal(t, "play", capErr.Op)

	// counter restarts after the warning
	c.Play()
	c.Play()
	assert.Len(t, warned, 1)
	c.Play()
	assert.Len(t, warned, 2)
}

func TestSlotController_SuccessResetsFailureCount(t *testing.T) {
	var warned int
	player := newFakePlayer()
	c := NewSlotController(0, player, func(int, error) { warned++ })
	c.NotifyReady()

	player.failOps["play"] = errors.New("stall")
	c.Play()
	c.Play()

	delete(player.failOps, "play")
	c.Retry() // pending play succeeds

	player.failOps["mute"] = errors.New("stall")
	c.Mute()
	c.Mute()
	assert.Zero(t, warned, "failures across a success do not accumulate")
	c.Mute()
	assert.Equal(t, 1, warned)
}

func TestSlotController_ErrorEventsCountTowardWarning(t *testing.T) {
	var warned []error
	c := NewSlotController(2, newFakePlayer(), func(slot int, err error) {
		warned = append(warned, err)
	})

	playerErr := errors.New("MEDIA_ERR_DECODE")
	c.NotifyError(playerErr)
	c.NotifyError(playerErr)
	c.NotifyError(playerErr)

	require.Len(t, warned, 1)
	assert.ErrorIs(t, warned[0], playerErr)
}

func TestSlotController_NotifyReadyFlushesVolumeLater(t *testing.T) {
	player := newFakePlayer()
	c := NewSlotController(0, player, nil)

	c.SetVolume(40)
	assert.Empty(t, player.volumes, "volume before ready is dropped, not queued")

	c.NotifyReady()
	assert.True(t, c.Ready())
	c.SetVolume(60)
	assert.Equal(t, []int{60}, player.volumes)
}
