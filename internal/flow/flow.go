// Package flow bounds the amount of terminal output waiting to be rendered.
//
// Output is counted as it arrives. Every time more than Limit bytes have been
// written since the last checkpoint, the next chunk is written with a
// completion callback and counted as pending. When too many chunks are
// pending the remote side is asked to pause; once the renderer catches up it
// is asked to resume.
package flow

import (
	"errors"
	"fmt"
	"sync"
)

// Default thresholds, matching what the dashboard ships with.
const (
	DefaultLimit     = 100000
	DefaultHighWater = 10
	DefaultLowWater  = 4
)

// ErrInvalidConfig is returned when the thresholds can never resume after a pause.
var ErrInvalidConfig = errors.New("flow: invalid flow control config")

// Config holds the flow control thresholds.
type Config struct {
	// Limit is the number of bytes written between checkpoints.
	Limit int
	// HighWater is the pending checkpoint count above which output is paused.
	HighWater int
	// LowWater is the pending checkpoint count below which output is resumed.
	LowWater int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{Limit: DefaultLimit, HighWater: DefaultHighWater, LowWater: DefaultLowWater}
}

// Validate reports whether the thresholds allow a resume after a pause.
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidConfig, c.Limit)
	}
	if c.LowWater < 0 || c.LowWater >= c.HighWater {
		return fmt.Errorf("%w: lowWater (%d) must be below highWater (%d)", ErrInvalidConfig, c.LowWater, c.HighWater)
	}
	return nil
}

// Writer is the render side: a terminal view that can report when a chunk
// has been processed.
type Writer interface {
	Write(p []byte)
	WriteWithCallback(p []byte, done func())
}

// Sender delivers control frames to the remote side.
type Sender interface {
	SendPause()
	SendResume()
}

// Controller applies flow control to a stream of output chunks.
// It is safe for concurrent use: completions arrive on the render goroutine.
type Controller struct {
	cfg    Config
	writer Writer
	sender Sender

	mu      sync.Mutex
	written int
	pending int
	paused  bool
	// epoch changes on Reset; completions from an older epoch are ignored.
	epoch int
}

// New returns a Controller writing into w and signalling through s.
func New(cfg Config, w Writer, s Sender) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{cfg: cfg, writer: w, sender: s}, nil
}

// Write counts p and forwards it to the writer, checkpointing when the
// byte limit is crossed.
func (c *Controller) Write(p []byte) {
	c.mu.Lock()
	c.written += len(p)
	if c.written <= c.cfg.Limit {
		c.mu.Unlock()
		c.writer.Write(p)
		return
	}

	c.pending++
	c.written = 0
	pause := c.pending > c.cfg.HighWater && !c.paused
	if pause {
		c.paused = true
	}
	epoch := c.epoch
	c.mu.Unlock()

	if pause {
		c.sender.SendPause()
	}
	c.writer.WriteWithCallback(p, func() { c.complete(epoch) })
}

func (c *Controller) complete(epoch int) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.pending = max(c.pending-1, 0)
	resume := c.pending < c.cfg.LowWater && c.paused
	if resume {
		c.paused = false
	}
	c.mu.Unlock()

	if resume {
		c.sender.SendResume()
	}
}

// Reset forgets all counters, used when a new connection or a new emulator
// replaces the old one. Checkpoints issued before the reset no longer count.
// A paused stream is resumed so PAUSE and RESUME keep alternating.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.written = 0
	c.pending = 0
	c.epoch++
	resume := c.paused
	c.paused = false
	c.mu.Unlock()

	if resume {
		c.sender.SendResume()
	}
}

// Stats returns the current counters.
func (c *Controller) Stats() (written, pending int, paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written, c.pending, c.paused
}
