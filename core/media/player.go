package media

import "fmt"

// Player is the capability interface over whatever actually embeds and
// plays the media. The engine never depends on a concrete vendor SDK;
// the deck layer implements this by forwarding commands to the browser
// client over WebSocket.
type Player interface {
	SeekTo(seconds float64) error
	Play() error
	Pause() error
	CurrentTime() (float64, error)
	Duration() (float64, error)
	SetVolume(value int) error
	Mute() error
	Unmute() error
}

// CapabilityError wraps a rejected player call. Non-fatal: the controller
// retries on the next tick.
type CapabilityError struct {
	Slot int
	Op   string
	Err  error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("media capability: slot %d %s failed: %v", e.Slot, e.Op, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }
