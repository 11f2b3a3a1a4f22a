// Package terminal is the client-side terminal view: an emulator that keeps
// screen state and paints into a host container, a View that owns exactly one
// emulator at a time, and the fixed set of addons that can be attached to it.
//
// Screen state is tracked by charmbracelet/x/vt. Output reaches the container
// through the active renderer, one chunk at a time, in the order it was
// written.
package terminal

import (
	"bytes"
	"io"
	"regexp"
	"sync"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
	"github.com/rs/zerolog/log"

	"github.com/karmada-io/karmada-terminal/internal/disposable"
	"github.com/karmada-io/karmada-terminal/internal/event"
)

const (
	DefaultCols       = 80
	DefaultRows       = 24
	DefaultScrollback = 1000

	writeQueueSize = 256
)

// fullReset is RIS, the sequence a hard terminal reset sends.
const fullReset = "\x1bc"

// Container is where a terminal is attached: it receives rendered output,
// reports its size in cells and notifies when that size may have changed.
type Container interface {
	io.Writer
	Size() (cols, rows int, err error)
	OnResize(fn func()) disposable.Disposable
}

// Size is a terminal size in cells.
type Size struct {
	Cols int
	Rows int
}

// KeyEvent is one chunk of host input.
type KeyEvent struct {
	Key string
}

// IsEnter reports whether the chunk contains a carriage return or newline.
func (k KeyEvent) IsEnter() bool {
	return bytes.ContainsAny([]byte(k.Key), "\r\n")
}

// Options configure a new emulator.
type Options struct {
	Cols         int
	Rows         int
	Scrollback   int
	DisableStdin bool
	// ReportResponses forwards the emulator's own replies (device
	// attributes, cursor reports) as data. Leave it off when the container is
	// a real terminal that answers those queries itself.
	ReportResponses bool
	// Extra holds free-form options set from preferences.
	Extra map[string]any
}

func (o Options) withDefaults() Options {
	if o.Cols <= 0 {
		o.Cols = DefaultCols
	}
	if o.Rows <= 0 {
		o.Rows = DefaultRows
	}
	if o.Scrollback <= 0 {
		o.Scrollback = DefaultScrollback
	}
	return o
}

// Events are the listener lists shared by a View and whichever emulator it
// currently owns, so subscriptions survive a reopen.
type Events struct {
	Data   event.Emitter[string]
	Binary event.Emitter[[]byte]
	Key    event.Emitter[KeyEvent]
	Resize event.Emitter[Size]
	Title  event.Emitter[string]
	// Write fires on the render goroutine for every chunk written.
	Write event.Emitter[[]byte]
}

type writeReq struct {
	data []byte
	done func()
}

// Emulator tracks screen state and renders output into a container.
type Emulator struct {
	events *Events
	vt     *vt.SafeEmulator

	mu         sync.Mutex
	opts       Options
	container  Container
	host       *hostWriter
	renderer   Renderer
	scrollback *lineBuffer

	// sendMu guards closed against writers enqueueing during Dispose.
	sendMu sync.RWMutex
	closed bool

	// vtMu orders screen updates before vt.Close.
	vtMu     sync.Mutex
	vtClosed bool

	writes    chan writeReq
	done      chan struct{}
	drained   chan struct{} // closed when drainResponses exits
	closeOnce sync.Once
}

// NewEmulator creates an emulator. It renders nothing until Open.
func NewEmulator(opts Options, events *Events) *Emulator {
	opts = opts.withDefaults()
	if events == nil {
		events = &Events{}
	}
	if opts.Extra == nil {
		opts.Extra = map[string]any{}
	}
	e := &Emulator{
		events:     events,
		vt:         vt.NewSafeEmulator(opts.Cols, opts.Rows),
		opts:       opts,
		scrollback: newLineBuffer(opts.Scrollback),
		writes:     make(chan writeReq, writeQueueSize),
		done:       make(chan struct{}),
		drained:    make(chan struct{}),
	}
	go e.drainResponses()
	return e
}

// Open attaches the emulator to c and starts rendering.
func (e *Emulator) Open(c Container) {
	e.mu.Lock()
	e.container = c
	e.host = &hostWriter{w: c}
	e.renderer = newDirectRenderer(e.host)
	e.mu.Unlock()

	go e.renderLoop()
}

// Container returns the attached container, or nil before Open.
func (e *Emulator) Container() Container {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.container
}

// WriteHost writes p straight to the container, bypassing the renderer and
// screen state. Overlays use it.
func (e *Emulator) WriteHost(p []byte) {
	e.mu.Lock()
	h := e.host
	e.mu.Unlock()
	if h == nil {
		return
	}
	if _, err := h.Write(p); err != nil {
		log.Debug().Err(err).Msg("terminal: host write failed")
	}
}

// Write queues p for rendering. done, if non-nil, runs after the chunk has
// been handed to the renderer, or right away once the emulator is disposed.
// Writes are processed in submission order.
func (e *Emulator) Write(p []byte, done func()) {
	if len(p) > 0 && e.enqueue(p, done) {
		return
	}
	if done != nil {
		done()
	}
}

func (e *Emulator) enqueue(p []byte, done func()) bool {
	e.sendMu.RLock()
	defer e.sendMu.RUnlock()
	if e.closed {
		return false
	}
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case e.writes <- writeReq{data: data, done: done}:
		return true
	case <-e.done:
		return false
	}
}

func (e *Emulator) renderLoop() {
	for {
		select {
		case <-e.done:
			return
		case req := <-e.writes:
			e.render(req)
		}
	}
}

func (e *Emulator) render(req writeReq) {
	e.vtMu.Lock()
	if !e.vtClosed {
		if _, err := e.vt.Write(req.data); err != nil {
			log.Debug().Err(err).Msg("terminal: emulator write failed")
		}
	}
	e.vtMu.Unlock()
	e.scrollback.Append(ansi.Strip(string(req.data)))
	if title, ok := parseTitle(req.data); ok {
		e.events.Title.Emit(title)
	}
	e.events.Write.Emit(req.data)

	e.mu.Lock()
	r := e.renderer
	e.mu.Unlock()
	if r == nil {
		if req.done != nil {
			req.done()
		}
		return
	}
	r.Render(req.data, req.done)
}

// drainResponses forwards emulator replies. The emulator blocks on writes
// whose replies nobody reads, so this runs for the emulator's lifetime.
func (e *Emulator) drainResponses() {
	defer close(e.drained)
	buf := make([]byte, 4096)
	for {
		n, err := e.vt.Read(buf)
		if n > 0 {
			e.mu.Lock()
			report := e.opts.ReportResponses
			e.mu.Unlock()
			if report {
				e.events.Data.Emit(string(buf[:n]))
			}
		}
		if err != nil {
			return
		}
	}
}

// Input feeds host keystrokes into the terminal. Key listeners always see
// the input; data listeners only while stdin is enabled.
func (e *Emulator) Input(p []byte) {
	if len(p) == 0 {
		return
	}
	e.events.Key.Emit(KeyEvent{Key: string(p)})

	e.mu.Lock()
	disabled := e.opts.DisableStdin
	e.mu.Unlock()
	if disabled {
		return
	}
	if utf8.Valid(p) {
		e.events.Data.Emit(string(p))
		return
	}
	data := make([]byte, len(p))
	copy(data, p)
	e.events.Binary.Emit(data)
}

// Resize changes the terminal size and emits a resize event when it differs.
func (e *Emulator) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	e.mu.Lock()
	if cols == e.opts.Cols && rows == e.opts.Rows {
		e.mu.Unlock()
		return
	}
	e.opts.Cols, e.opts.Rows = cols, rows
	e.mu.Unlock()

	e.vtMu.Lock()
	if !e.vtClosed {
		e.vt.Resize(cols, rows)
	}
	e.vtMu.Unlock()
	e.events.Resize.Emit(Size{Cols: cols, Rows: rows})
}

// Cols returns the width in cells.
func (e *Emulator) Cols() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.Cols
}

// Rows returns the height in cells.
func (e *Emulator) Rows() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.Rows
}

// Reset performs a full terminal reset and clears the scrollback.
func (e *Emulator) Reset() {
	e.scrollback.Clear()
	e.Write([]byte(fullReset), nil)
}

// SetDisableStdin toggles whether input produces data events.
func (e *Emulator) SetDisableStdin(disabled bool) {
	e.mu.Lock()
	e.opts.DisableStdin = disabled
	e.mu.Unlock()
}

// StdinDisabled reports the current stdin state.
func (e *Emulator) StdinDisabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.DisableStdin
}

// SetOption stores a free-form option. Map values are merged into an
// existing map value rather than replacing it.
func (e *Emulator) SetOption(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if next, ok := value.(map[string]any); ok {
		if cur, ok := e.opts.Extra[key].(map[string]any); ok {
			merged := make(map[string]any, len(cur)+len(next))
			for k, v := range cur {
				merged[k] = v
			}
			for k, v := range next {
				merged[k] = v
			}
			e.opts.Extra[key] = merged
			return
		}
	}
	e.opts.Extra[key] = value
}

// Option returns a free-form option.
func (e *Emulator) Option(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.opts.Extra[key]
	return v, ok
}

// Lines returns the scrollback as plain text, oldest first.
func (e *Emulator) Lines() []string {
	return e.scrollback.Lines()
}

// SetRenderer installs r, or the direct renderer when r is nil. The
// previous renderer is flushed and closed.
func (e *Emulator) SetRenderer(r Renderer) {
	e.mu.Lock()
	if e.host == nil {
		e.mu.Unlock()
		return
	}
	if r == nil {
		r = newDirectRenderer(e.host)
	}
	old := e.renderer
	e.renderer = r
	e.mu.Unlock()

	if old != nil && old != r {
		old.Close()
	}
}

// ClearRenderer restores the direct renderer if r is still installed.
func (e *Emulator) ClearRenderer(r Renderer) {
	e.mu.Lock()
	installed := e.renderer == r
	e.mu.Unlock()
	if installed {
		e.SetRenderer(nil)
	}
}

// Renderer returns the installed renderer.
func (e *Emulator) Renderer() Renderer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.renderer
}

// Host returns the serialized container writer, or nil before Open.
func (e *Emulator) Host() io.Writer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.host == nil {
		return nil
	}
	return e.host
}

// Dispose stops rendering and releases the screen state. Every write still
// queued has its completion run, so callers counting completions never leak.
func (e *Emulator) Dispose() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.sendMu.Lock()
		e.closed = true
		e.sendMu.Unlock()

		e.vtMu.Lock()
		e.vtClosed = true
		e.vtMu.Unlock()

		e.mu.Lock()
		r := e.renderer
		e.renderer = nil
		e.mu.Unlock()
		if r != nil {
			r.Close()
		}
		e.dropQueued()

		// vt.Close is not synchronized with Read, so end the reader through
		// the pipe first.
		if c, ok := e.vt.InputPipe().(io.Closer); ok {
			_ = c.Close()
			<-e.drained
		}
		if err := e.vt.Close(); err != nil {
			log.Debug().Err(err).Msg("terminal: emulator close failed")
		}
	})
}

// dropQueued completes writes that were queued but never rendered.
func (e *Emulator) dropQueued() {
	for {
		select {
		case req := <-e.writes:
			if req.done != nil {
				req.done()
			}
		default:
			return
		}
	}
}

// hostWriter serializes writes to the container so renderer output and
// overlays never interleave mid-sequence.
type hostWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (h *hostWriter) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.w.Write(p)
}

var titleRe = regexp.MustCompile(`\x1b\][02];([^\x07\x1b]*)(?:\x07|\x1b\\)`)

// parseTitle returns the last window title set by an OSC 0 or OSC 2 sequence in p.
func parseTitle(p []byte) (string, bool) {
	matches := titleRe.FindAllSubmatch(p, -1)
	if len(matches) == 0 {
		return "", false
	}
	return string(matches[len(matches)-1][1]), true
}

// lineBuffer keeps the most recent lines of plain-text output.
type lineBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
}

func newLineBuffer(max int) *lineBuffer {
	return &lineBuffer{max: max}
}

func (b *lineBuffer) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < len(text); i++ {
		switch c := text[i]; c {
		case '\n':
			b.lines = append(b.lines, string(b.partial))
			b.partial = b.partial[:0]
		case '\r':
		default:
			b.partial = append(b.partial, c)
		}
	}
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append([]string(nil), b.lines[over:]...)
	}
}

func (b *lineBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines), len(b.lines)+1)
	copy(out, b.lines)
	if len(b.partial) > 0 {
		out = append(out, string(b.partial))
	}
	return out
}

func (b *lineBuffer) Clear() {
	b.mu.Lock()
	b.lines = nil
	b.partial = b.partial[:0]
	b.mu.Unlock()
}
