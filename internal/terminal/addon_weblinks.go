package terminal

import (
	"regexp"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"github.com/karmada-io/karmada-terminal/internal/disposable"
)

var urlRe = regexp.MustCompile(`(?i)\bhttps?://[^\s"'<>()\[\]{}]+[^\s"'<>()\[\]{}.,;:!?]`)

// LinkHandler is called for every link seen in the output.
type LinkHandler func(uri string)

// WebLinksAddon collects URLs printed by the remote program.
type WebLinksAddon struct {
	handler LinkHandler
	limit   int

	mu    sync.Mutex
	links []string
	sub   disposable.Disposable
}

// NewWebLinksAddon returns an addon that remembers up to 100 recent links
// and passes each to handler when it is non-nil.
func NewWebLinksAddon(handler LinkHandler) *WebLinksAddon {
	return &WebLinksAddon{handler: handler, limit: 100}
}

func (a *WebLinksAddon) Activate(e *Emulator) error {
	sub := e.events.Write.Subscribe(a.scan)
	a.mu.Lock()
	if a.sub != nil {
		a.sub.Dispose()
	}
	a.sub = sub
	a.mu.Unlock()
	return nil
}

func (a *WebLinksAddon) Dispose() {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()
	if sub != nil {
		sub.Dispose()
	}
}

// Links returns the remembered links, oldest first.
func (a *WebLinksAddon) Links() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.links...)
}

func (a *WebLinksAddon) scan(p []byte) {
	found := urlRe.FindAllString(ansi.Strip(string(p)), -1)
	if len(found) == 0 {
		return
	}
	a.mu.Lock()
	a.links = append(a.links, found...)
	if over := len(a.links) - a.limit; over > 0 {
		a.links = append([]string(nil), a.links[over:]...)
	}
	a.mu.Unlock()
	if a.handler != nil {
		for _, u := range found {
			a.handler(u)
		}
	}
}
