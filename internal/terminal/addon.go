package terminal

import (
	"errors"
	"fmt"
)

// AddonName identifies one of the fixed addon slots of a View.
type AddonName string

const (
	AddonFit       AddonName = "fit"
	AddonOverlay   AddonName = "overlay"
	AddonSearch    AddonName = "search"
	AddonWebLinks  AddonName = "web-links"
	AddonClipboard AddonName = "clipboard"
	AddonCanvas    AddonName = "canvas"
	AddonWebGL     AddonName = "webgl"
	AddonTransfer  AddonName = "transfer"
)

// Known reports whether n is one of the fixed addon slots.
func (n AddonName) Known() bool {
	switch n {
	case AddonFit, AddonOverlay, AddonSearch, AddonWebLinks, AddonClipboard,
		AddonCanvas, AddonWebGL, AddonTransfer:
		return true
	}
	return false
}

var (
	ErrUnknownAddon        = errors.New("terminal: unknown addon")
	ErrRendererUnavailable = errors.New("terminal: renderer unavailable")
	ErrUnknownRendererType = errors.New("terminal: unknown renderer type")
)

// AddonNotFoundError is raised by MustAddon when the slot is empty.
type AddonNotFoundError struct {
	Name AddonName
}

func (e *AddonNotFoundError) Error() string {
	return fmt.Sprintf("terminal: addon %q not found", string(e.Name))
}

// Addon is a capability attached to a live emulator.
type Addon interface {
	// Activate loads the addon into e. It is called again with a fresh
	// emulator whenever the view is reopened.
	Activate(e *Emulator) error
	// Dispose releases whatever Activate acquired.
	Dispose()
}
