package terminal

import (
	"fmt"
	"regexp"
	"sync"
)

// SearchOptions control how a term is matched.
type SearchOptions struct {
	CaseSensitive bool
	Regex         bool
	WholeWord     bool
}

// Match locates a hit in the scrollback. Line indexes Lines(); Start and End
// are byte offsets within that line.
type Match struct {
	Line  int
	Start int
	End   int
	Text  string
}

// SearchAddon finds text in the scrollback. Successive calls continue from
// the previous match and wrap around.
type SearchAddon struct {
	mu   sync.Mutex
	emu  *Emulator
	last *Match
}

func NewSearchAddon() *SearchAddon {
	return &SearchAddon{}
}

func (a *SearchAddon) Activate(e *Emulator) error {
	a.mu.Lock()
	a.emu = e
	a.last = nil
	a.mu.Unlock()
	return nil
}

func (a *SearchAddon) Dispose() {
	a.mu.Lock()
	a.emu = nil
	a.last = nil
	a.mu.Unlock()
}

// FindNext returns the first match after the previous one.
func (a *SearchAddon) FindNext(term string, opts SearchOptions) (Match, bool, error) {
	return a.find(term, opts, true)
}

// FindPrevious returns the last match before the previous one.
func (a *SearchAddon) FindPrevious(term string, opts SearchOptions) (Match, bool, error) {
	return a.find(term, opts, false)
}

// ClearSelection forgets the previous match.
func (a *SearchAddon) ClearSelection() {
	a.mu.Lock()
	a.last = nil
	a.mu.Unlock()
}

func (a *SearchAddon) find(term string, opts SearchOptions, forward bool) (Match, bool, error) {
	if term == "" {
		return Match{}, false, nil
	}
	re, err := compileSearch(term, opts)
	if err != nil {
		return Match{}, false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.emu == nil {
		return Match{}, false, nil
	}

	var all []Match
	for i, line := range a.emu.Lines() {
		for _, loc := range re.FindAllStringIndex(line, -1) {
			if loc[0] == loc[1] {
				continue
			}
			all = append(all, Match{Line: i, Start: loc[0], End: loc[1], Text: line[loc[0]:loc[1]]})
		}
	}
	if len(all) == 0 {
		a.last = nil
		return Match{}, false, nil
	}

	idx := 0
	if !forward {
		idx = len(all) - 1
	}
	if a.last != nil {
		idx = -1
		if forward {
			for i, m := range all {
				if after(m, *a.last) {
					idx = i
					break
				}
			}
			if idx < 0 {
				idx = 0
			}
		} else {
			for i := len(all) - 1; i >= 0; i-- {
				if after(*a.last, all[i]) {
					idx = i
					break
				}
			}
			if idx < 0 {
				idx = len(all) - 1
			}
		}
	}
	m := all[idx]
	a.last = &m
	return m, true, nil
}

// after reports whether m starts after ref.
func after(m, ref Match) bool {
	if m.Line != ref.Line {
		return m.Line > ref.Line
	}
	return m.Start > ref.Start
}

func compileSearch(term string, opts SearchOptions) (*regexp.Regexp, error) {
	expr := term
	if !opts.Regex {
		expr = regexp.QuoteMeta(term)
	}
	if opts.WholeWord {
		expr = `\b(?:` + expr + `)\b`
	}
	if !opts.CaseSensitive {
		expr = `(?i)` + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("terminal: invalid search %q: %w", term, err)
	}
	return re, nil
}
