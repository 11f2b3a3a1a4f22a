package terminal

import (
	"sync"
)

// syncOutputContainer is implemented by containers that understand
// synchronized output mode.
type syncOutputContainer interface {
	SupportsSynchronizedOutput() bool
}

// RendererAddon installs a frame renderer while active.
type RendererAddon struct {
	synchronized bool

	mu       sync.Mutex
	emu      *Emulator
	renderer Renderer
}

// NewCanvasAddon returns a renderer that paints output in frames.
func NewCanvasAddon() *RendererAddon {
	return &RendererAddon{}
}

// NewWebGLAddon returns a renderer that paints frames atomically. It only
// loads on real terminals that support synchronized output.
func NewWebGLAddon() *RendererAddon {
	return &RendererAddon{synchronized: true}
}

func (a *RendererAddon) Activate(e *Emulator) error {
	host := e.Host()
	if host == nil {
		return ErrRendererUnavailable
	}
	if a.synchronized {
		c := e.Container()
		sc, ok := c.(syncOutputContainer)
		if !ok || !sc.SupportsSynchronizedOutput() || !isTTY(c) {
			return ErrRendererUnavailable
		}
	}
	r := newFrameRenderer(host, a.synchronized, frameInterval)
	e.SetRenderer(r)

	a.mu.Lock()
	a.emu = e
	a.renderer = r
	a.mu.Unlock()
	return nil
}

func (a *RendererAddon) Dispose() {
	a.mu.Lock()
	e, r := a.emu, a.renderer
	a.emu, a.renderer = nil, nil
	a.mu.Unlock()
	if e != nil && r != nil {
		e.ClearRenderer(r)
	}
	if r != nil {
		r.Close()
	}
}
