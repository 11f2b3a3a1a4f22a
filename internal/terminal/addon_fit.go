package terminal

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Smallest size Fit will apply.
const (
	minFitCols = 2
	minFitRows = 1
)

// FitAddon sizes the emulator to its container.
type FitAddon struct {
	mu  sync.Mutex
	emu *Emulator
}

func NewFitAddon() *FitAddon {
	return &FitAddon{}
}

func (a *FitAddon) Activate(e *Emulator) error {
	a.mu.Lock()
	a.emu = e
	a.mu.Unlock()
	return nil
}

func (a *FitAddon) Dispose() {
	a.mu.Lock()
	a.emu = nil
	a.mu.Unlock()
}

// ProposeDimensions returns the size the container can hold, or false when
// the addon is not active or the container cannot report a size.
func (a *FitAddon) ProposeDimensions() (Size, bool) {
	a.mu.Lock()
	e := a.emu
	a.mu.Unlock()
	if e == nil {
		return Size{}, false
	}
	c := e.Container()
	if c == nil {
		return Size{}, false
	}
	cols, rows, err := c.Size()
	if err != nil {
		log.Debug().Err(err).Msg("terminal: container size unavailable")
		return Size{}, false
	}
	return Size{Cols: max(cols, minFitCols), Rows: max(rows, minFitRows)}, true
}

// Fit resizes the emulator to the proposed dimensions.
func (a *FitAddon) Fit() {
	size, ok := a.ProposeDimensions()
	if !ok {
		return
	}
	a.mu.Lock()
	e := a.emu
	a.mu.Unlock()
	if e != nil {
		e.Resize(size.Cols, size.Rows)
	}
}
