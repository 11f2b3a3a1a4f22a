package terminal

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/karmada-io/karmada-terminal/internal/disposable"
)

const copyOverlayTimeout = 200 * time.Millisecond

// View owns one emulator at a time together with its addons.
//
// The fit and overlay addons are always present once the view is open.
// Renderer addons are driven by SetRendererType; at most one of canvas and
// webgl is installed.
type View struct {
	opts   Options
	events Events

	mu        sync.Mutex
	emu       *Emulator
	container Container
	isOpen    bool
	addons    map[AddonName]Addon
	renderer  RendererType

	disposables disposable.Registry
}

// NewView returns a closed view that will build its emulator from opts.
func NewView(opts Options) *View {
	return &View{
		opts:     opts.withDefaults(),
		addons:   map[AddonName]Addon{AddonFit: NewFitAddon(), AddonOverlay: NewOverlayAddon()},
		renderer: RendererDOM,
	}
}

// Open attaches the view to c. It is a no-op while already open.
func (v *View) Open(c Container) error {
	v.mu.Lock()
	if v.isOpen {
		v.mu.Unlock()
		return nil
	}
	if v.emu != nil {
		v.emu.Dispose()
		v.emu = nil
	}
	if _, ok := v.addons[AddonFit]; !ok {
		v.addons[AddonFit] = NewFitAddon()
	}
	if _, ok := v.addons[AddonOverlay]; !ok {
		v.addons[AddonOverlay] = NewOverlayAddon()
	}

	emu := NewEmulator(v.opts, &v.events)
	emu.Open(c)
	v.emu = emu
	v.container = c

	var failed []AddonName
	for name, a := range v.addons {
		if name == AddonCanvas || name == AddonWebGL {
			// Rebuilt below from the renderer type.
			a.Dispose()
			failed = append(failed, name)
			continue
		}
		if err := a.Activate(emu); err != nil {
			log.Warn().Err(err).Str("addon", string(name)).Msg("terminal: addon failed to load")
			failed = append(failed, name)
		}
	}
	for _, name := range failed {
		delete(v.addons, name)
	}
	renderer := v.renderer
	v.mu.Unlock()

	v.disposables.Add(c.OnResize(v.Fit))
	v.disposables.Add(emu)

	if err := v.SetRendererType(renderer); err != nil {
		log.Warn().Err(err).Str("renderer", string(renderer)).Msg("terminal: renderer not applied")
	}
	v.Fit()

	v.mu.Lock()
	v.isOpen = true
	v.mu.Unlock()
	return nil
}

// IsOpen reports whether the view is attached.
func (v *View) IsOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.isOpen
}

// Emulator returns the current emulator, or nil before the first Open.
func (v *View) Emulator() *Emulator {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu
}

// Fit resizes the emulator to the container.
func (v *View) Fit() {
	if fit, ok := v.MustAddon(AddonFit).(*FitAddon); ok {
		fit.Fit()
	}
}

// Write renders raw output.
func (v *View) Write(p []byte) {
	if emu := v.Emulator(); emu != nil {
		emu.Write(p, nil)
	}
}

// WriteWithCallback renders p and calls done once it has been painted.
func (v *View) WriteWithCallback(p []byte, done func()) {
	emu := v.Emulator()
	if emu == nil {
		if done != nil {
			done()
		}
		return
	}
	emu.Write(p, done)
}

// WriteText writes text line by line, ending each line with CRLF. A "\r\n"
// in the input therefore ends up as "\r\r\n".
func (v *View) WriteText(text string) {
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		v.Write([]byte(line + "\r\n"))
	}
}

// Input feeds host keystrokes into the view.
func (v *View) Input(p []byte) {
	if emu := v.Emulator(); emu != nil {
		emu.Input(p)
	}
}

// Reset performs a full reset of the emulator.
func (v *View) Reset() {
	if emu := v.Emulator(); emu != nil {
		emu.Reset()
	}
}

// SetDisableStdin toggles input data events.
func (v *View) SetDisableStdin(disabled bool) {
	v.mu.Lock()
	v.opts.DisableStdin = disabled
	emu := v.emu
	v.mu.Unlock()
	if emu != nil {
		emu.SetDisableStdin(disabled)
	}
}

// SetOption stores a free-form emulator option.
func (v *View) SetOption(key string, value any) {
	v.mu.Lock()
	if v.opts.Extra == nil {
		v.opts.Extra = map[string]any{}
	}
	v.opts.Extra[key] = value
	emu := v.emu
	v.mu.Unlock()
	if emu != nil {
		emu.SetOption(key, value)
	}
}

// Option returns a free-form emulator option.
func (v *View) Option(key string) (any, bool) {
	if emu := v.Emulator(); emu != nil {
		return emu.Option(key)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	val, ok := v.opts.Extra[key]
	return val, ok
}

// Cols returns the current width.
func (v *View) Cols() int {
	if emu := v.Emulator(); emu != nil {
		return emu.Cols()
	}
	return v.opts.Cols
}

// Rows returns the current height.
func (v *View) Rows() int {
	if emu := v.Emulator(); emu != nil {
		return emu.Rows()
	}
	return v.opts.Rows
}

// ShowOverlay displays msg over the terminal for timeout, or until replaced
// when timeout is zero.
func (v *View) ShowOverlay(msg string, timeout time.Duration) {
	if o, ok := v.overlay(); ok {
		o.Show(msg, timeout)
	}
}

func (v *View) overlay() (*OverlayAddon, bool) {
	a, ok := v.Addon(AddonOverlay)
	if !ok {
		return nil, false
	}
	o, ok := a.(*OverlayAddon)
	return o, ok
}

// Copy puts text on the clipboard and flashes a scissors overlay.
func (v *View) Copy(text string) error {
	a, ok := v.Addon(AddonClipboard)
	if !ok {
		return &AddonNotFoundError{Name: AddonClipboard}
	}
	cb, ok := a.(*ClipboardAddon)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddon, AddonClipboard)
	}
	if err := cb.Copy(text); err != nil {
		return err
	}
	v.ShowOverlay("\u2702", copyOverlayTimeout)
	return nil
}

// Addon returns the addon in slot name.
func (v *View) Addon(name AddonName) (Addon, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, ok := v.addons[name]
	return a, ok
}

// MustAddon returns the addon in slot name and panics with
// *AddonNotFoundError when the slot is empty.
func (v *View) MustAddon(name AddonName) Addon {
	a, ok := v.Addon(name)
	if !ok {
		panic(&AddonNotFoundError{Name: name})
	}
	return a
}

// SetAddon replaces the addon in slot name, disposing the previous one, and
// activates it when the view is open.
func (v *View) SetAddon(name AddonName, a Addon) error {
	if !name.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownAddon, string(name))
	}
	v.mu.Lock()
	old := v.addons[name]
	v.addons[name] = a
	emu := v.emu
	v.mu.Unlock()

	if old != nil && old != a {
		old.Dispose()
	}
	if emu == nil {
		return nil
	}
	if err := a.Activate(emu); err != nil {
		v.mu.Lock()
		if v.addons[name] == a {
			delete(v.addons, name)
		}
		v.mu.Unlock()
		a.Dispose()
		return fmt.Errorf("load addon %s: %w", name, err)
	}
	return nil
}

// DeleteAddon disposes and removes the addon in slot name.
func (v *View) DeleteAddon(name AddonName) {
	v.mu.Lock()
	a, ok := v.addons[name]
	delete(v.addons, name)
	v.mu.Unlock()
	if ok {
		a.Dispose()
	}
}

// RendererType returns the selected renderer.
func (v *View) RendererType() RendererType {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.renderer
}

// SetRendererType switches the renderer. canvas and webgl each dispose the
// other before installing themselves; dom disposes both. webgl falls back to
// canvas, and canvas to dom, when the container cannot host them. Before the
// view is open only the choice is recorded.
func (v *View) SetRendererType(kind RendererType) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRendererType, string(kind))
	}
	v.mu.Lock()
	v.renderer = kind
	live := v.emu != nil
	v.mu.Unlock()
	if !live {
		return nil
	}

	switch kind {
	case RendererCanvas:
		v.enableCanvas()
	case RendererWebGL:
		v.enableWebGL()
	case RendererDOM:
		v.DeleteAddon(AddonWebGL)
		v.DeleteAddon(AddonCanvas)
		log.Debug().Msg("terminal: dom renderer loaded")
	}
	return nil
}

func (v *View) enableCanvas() {
	if _, ok := v.Addon(AddonCanvas); ok {
		return
	}
	v.DeleteAddon(AddonWebGL)
	if err := v.SetAddon(AddonCanvas, NewCanvasAddon()); err != nil {
		log.Warn().Err(err).Msg("terminal: canvas renderer could not be loaded, falling back to dom renderer")
		v.setRendererChoice(RendererDOM)
		return
	}
	log.Debug().Msg("terminal: canvas renderer loaded")
}

func (v *View) enableWebGL() {
	if _, ok := v.Addon(AddonWebGL); ok {
		return
	}
	v.DeleteAddon(AddonCanvas)
	if err := v.SetAddon(AddonWebGL, NewWebGLAddon()); err != nil {
		log.Warn().Err(err).Msg("terminal: webgl renderer could not be loaded, falling back to canvas renderer")
		v.setRendererChoice(RendererCanvas)
		v.enableCanvas()
		return
	}
	log.Debug().Msg("terminal: webgl renderer loaded")
}

func (v *View) setRendererChoice(kind RendererType) {
	v.mu.Lock()
	v.renderer = kind
	v.mu.Unlock()
}

// OnData subscribes to input data (keystrokes and emulator replies).
func (v *View) OnData(fn func(string)) disposable.Disposable { return v.events.Data.Subscribe(fn) }

// OnBinary subscribes to input that is not valid UTF-8.
func (v *View) OnBinary(fn func([]byte)) disposable.Disposable {
	return v.events.Binary.Subscribe(fn)
}

// OnKey subscribes to raw key input, delivered even while stdin is disabled.
func (v *View) OnKey(fn func(KeyEvent)) disposable.Disposable { return v.events.Key.Subscribe(fn) }

// OnResize subscribes to size changes.
func (v *View) OnResize(fn func(Size)) disposable.Disposable { return v.events.Resize.Subscribe(fn) }

// OnTitleChange subscribes to titles set by the remote program.
func (v *View) OnTitleChange(fn func(string)) disposable.Disposable {
	return v.events.Title.Subscribe(fn)
}

// OnWrite subscribes to rendered output chunks.
func (v *View) OnWrite(fn func([]byte)) disposable.Disposable { return v.events.Write.Subscribe(fn) }

// Dispose tears down the resize listener, the emulator and every addon. The
// view can be opened again afterwards.
func (v *View) Dispose() {
	v.disposables.Dispose()

	v.mu.Lock()
	addons := v.addons
	v.addons = map[AddonName]Addon{}
	v.emu = nil
	v.container = nil
	v.isOpen = false
	v.mu.Unlock()

	for _, a := range addons {
		a.Dispose()
	}
}
