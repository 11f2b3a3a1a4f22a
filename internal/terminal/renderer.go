package terminal

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RendererType selects how output is painted into the container.
type RendererType string

const (
	// RendererDOM writes every chunk straight through.
	RendererDOM RendererType = "dom"
	// RendererCanvas coalesces output into frames.
	RendererCanvas RendererType = "canvas"
	// RendererWebGL coalesces output into frames painted atomically with
	// synchronized output mode.
	RendererWebGL RendererType = "webgl"
)

// Valid reports whether t is one of the known renderer types.
func (t RendererType) Valid() bool {
	switch t {
	case RendererDOM, RendererCanvas, RendererWebGL:
		return true
	}
	return false
}

const frameInterval = 16 * time.Millisecond

// Synchronized output (DEC private mode 2026) brackets.
const (
	beginSyncUpdate = "\x1b[?2026h"
	endSyncUpdate   = "\x1b[?2026l"
)

// Renderer paints output chunks. done runs once the chunk has reached the
// container.
type Renderer interface {
	Render(p []byte, done func())
	Close()
}

type directRenderer struct {
	w io.Writer
}

func newDirectRenderer(w io.Writer) *directRenderer {
	return &directRenderer{w: w}
}

func (r *directRenderer) Render(p []byte, done func()) {
	if _, err := r.w.Write(p); err != nil {
		log.Debug().Err(err).Msg("terminal: render failed")
	}
	if done != nil {
		done()
	}
}

func (r *directRenderer) Close() {}

// frameRenderer buffers output and paints it once per frame.
type frameRenderer struct {
	w            io.Writer
	synchronized bool

	flushMu sync.Mutex
	mu      sync.Mutex
	buf     bytes.Buffer
	pending []func()
	closed  bool
	stop    chan struct{}
	once    sync.Once
}

func newFrameRenderer(w io.Writer, synchronized bool, interval time.Duration) *frameRenderer {
	r := &frameRenderer{w: w, synchronized: synchronized, stop: make(chan struct{})}
	go r.loop(interval)
	return r
}

func (r *frameRenderer) Render(p []byte, done func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		newDirectRenderer(r.w).Render(p, done)
		return
	}
	r.buf.Write(p)
	if done != nil {
		r.pending = append(r.pending, done)
	}
	r.mu.Unlock()
}

func (r *frameRenderer) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *frameRenderer) flush() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if r.buf.Len() == 0 && len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	frame := make([]byte, 0, r.buf.Len()+len(beginSyncUpdate)+len(endSyncUpdate))
	if r.synchronized {
		frame = append(frame, beginSyncUpdate...)
	}
	frame = append(frame, r.buf.Bytes()...)
	if r.synchronized {
		frame = append(frame, endSyncUpdate...)
	}
	r.buf.Reset()
	callbacks := r.pending
	r.pending = nil
	r.mu.Unlock()

	if _, err := r.w.Write(frame); err != nil {
		log.Debug().Err(err).Msg("terminal: frame flush failed")
	}
	for _, done := range callbacks {
		done()
	}
}

// Close paints whatever is buffered and stops the frame clock.
func (r *frameRenderer) Close() {
	r.once.Do(func() {
		close(r.stop)
		r.flush()
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		// Anything rendered between the flush and closed.
		r.flush()
	})
}
