package flow

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueWriter holds completion callbacks until the test releases them.
type queueWriter struct {
	sync    int
	pending []func()
}

func (w *queueWriter) Write(p []byte) { w.sync++ }

func (w *queueWriter) WriteWithCallback(p []byte, done func()) {
	w.pending = append(w.pending, done)
}

func (w *queueWriter) completeOne() bool {
	if len(w.pending) == 0 {
		return false
	}
	done := w.pending[0]
	w.pending = w.pending[1:]
	done()
	return true
}

type recordingSender struct {
	signals []string
}

func (s *recordingSender) SendPause()  { s.signals = append(s.signals, "pause") }
func (s *recordingSender) SendResume() { s.signals = append(s.signals, "resume") }

func newController(t *testing.T, cfg Config) (*Controller, *queueWriter, *recordingSender) {
	t.Helper()
	w := &queueWriter{}
	s := &recordingSender{}
	c, err := New(cfg, w, s)
	require.NoError(t, err)
	return c, w, s
}

func TestWriteBelowLimitIsSynchronous(t *testing.T) {
	c, w, s := newController(t, Config{Limit: 10, HighWater: 2, LowWater: 1})

	c.Write(make([]byte, 4))
	c.Write(make([]byte, 6))

	assert.Equal(t, 2, w.sync)
	assert.Empty(t, w.pending)
	assert.Empty(t, s.signals)
	written, pending, _ := c.Stats()
	assert.Equal(t, 10, written)
	assert.Zero(t, pending)
}

func TestCrossingLimitCheckpoints(t *testing.T) {
	c, w, _ := newController(t, Config{Limit: 10, HighWater: 2, LowWater: 1})

	c.Write(make([]byte, 11))

	written, pending, _ := c.Stats()
	assert.Zero(t, written)
	assert.Equal(t, 1, pending)
	assert.Len(t, w.pending, 1)
}

func TestPauseThenResume(t *testing.T) {
	c, w, s := newController(t, Config{Limit: 1, HighWater: 2, LowWater: 1})

	for range 5 {
		c.Write([]byte("xx"))
	}
	assert.Equal(t, []string{"pause"}, s.signals)

	for w.completeOne() {
	}
	assert.Equal(t, []string{"pause", "resume"}, s.signals)

	_, pending, paused := c.Stats()
	assert.Zero(t, pending)
	assert.False(t, paused)
}

func TestPendingNeverNegative(t *testing.T) {
	c, _, _ := newController(t, DefaultConfig())
	c.complete(0)
	c.complete(0)
	_, pending, _ := c.Stats()
	assert.Zero(t, pending)
}

func TestPauseResumeAlternate(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c, w, s := newController(t, Config{Limit: 8, HighWater: 5, LowWater: 2})

	for range 5000 {
		if rng.Intn(3) > 0 {
			c.Write(make([]byte, rng.Intn(16)+1))
		} else {
			w.completeOne()
		}
		_, pending, _ := c.Stats()
		require.GreaterOrEqual(t, pending, 0)
	}
	for w.completeOne() {
	}

	for i := 1; i < len(s.signals); i++ {
		require.NotEqual(t, s.signals[i-1], s.signals[i], "signals must alternate: %v", s.signals)
	}
	if len(s.signals) > 0 {
		assert.Equal(t, "pause", s.signals[0])
	}
}

func TestResetClearsPauseState(t *testing.T) {
	c, w, s := newController(t, Config{Limit: 1, HighWater: 2, LowWater: 1})
	for range 3 {
		c.Write([]byte("ab"))
	}
	require.Equal(t, []string{"pause"}, s.signals)

	c.Reset()
	_, pending, paused := c.Stats()
	assert.Zero(t, pending)
	assert.False(t, paused)
	assert.Equal(t, []string{"pause", "resume"}, s.signals)

	// Completions issued before the reset do not touch the new counters.
	c.Write([]byte("ab"))
	for range 3 {
		w.pending[0]()
		w.pending = w.pending[1:]
	}
	_, pending, _ = c.Stats()
	assert.Equal(t, 1, pending)

	c.Write([]byte("ab"))
	c.Write([]byte("ab"))
	assert.Equal(t, []string{"pause", "resume", "pause"}, s.signals)
	for w.completeOne() {
	}
	assert.Equal(t, []string{"pause", "resume", "pause", "resume"}, s.signals)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", DefaultConfig(), true},
		{"equal marks", Config{Limit: 1, HighWater: 4, LowWater: 4}, false},
		{"inverted marks", Config{Limit: 1, HighWater: 2, LowWater: 5}, false},
		{"zero limit", Config{Limit: 0, HighWater: 2, LowWater: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}

	_, err := New(Config{Limit: 1, HighWater: 1, LowWater: 1}, &queueWriter{}, &recordingSender{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
