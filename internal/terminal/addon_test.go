package terminal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAndWait(t *testing.T, v *View, s string) {
	t.Helper()
	done := make(chan struct{})
	v.WriteWithCallback([]byte(s), func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write not rendered")
	}
}

func TestSearchAddon(t *testing.T) {
	v := openView(t, newFakeContainer(80, 24))
	search := NewSearchAddon()
	require.NoError(t, v.SetAddon(AddonSearch, search))
	writeAndWait(t, v, "first pod\r\nsecond Pod\r\nthird\r\n")

	m, ok, err := search.FindNext("pod", SearchOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Match{Line: 0, Start: 6, End: 9, Text: "pod"}, m)

	m, ok, _ = search.FindNext("pod", SearchOptions{})
	require.True(t, ok)
	assert.Equal(t, 1, m.Line)
	assert.Equal(t, "Pod", m.Text)

	m, ok, _ = search.FindNext("pod", SearchOptions{})
	require.True(t, ok)
	assert.Equal(t, 0, m.Line, "wraps around")

	search.ClearSelection()
	m, ok, _ = search.FindNext("Pod", SearchOptions{CaseSensitive: true})
	require.True(t, ok)
	assert.Equal(t, 1, m.Line)

	_, ok, _ = search.FindNext("po", SearchOptions{WholeWord: true})
	assert.False(t, ok)

	m, ok, _ = search.FindNext("s.cond", SearchOptions{Regex: true})
	require.True(t, ok)
	assert.Equal(t, "second", m.Text)

	search.ClearSelection()
	m, ok, _ = search.FindPrevious("pod", SearchOptions{})
	require.True(t, ok)
	assert.Equal(t, 1, m.Line)
	m, ok, _ = search.FindPrevious("pod", SearchOptions{})
	require.True(t, ok)
	assert.Equal(t, 0, m.Line)

	_, _, err = search.FindNext("(", SearchOptions{Regex: true})
	assert.Error(t, err)
}

func TestSearchAddonIgnoresEscapes(t *testing.T) {
	v := openView(t, newFakeContainer(80, 24))
	search := NewSearchAddon()
	require.NoError(t, v.SetAddon(AddonSearch, search))
	writeAndWait(t, v, "\x1b[31mred\x1b[0m text\r\n")

	m, ok, err := search.FindNext("red text", SearchOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, m.Start)
}

func TestWebLinksAddon(t *testing.T) {
	v := openView(t, newFakeContainer(80, 24))
	var handled []string
	links := NewWebLinksAddon(func(u string) { handled = append(handled, u) })
	require.NoError(t, v.SetAddon(AddonWebLinks, links))

	writeAndWait(t, v, "see https://karmada.io/docs. and http://x.y/z\r\n")

	want := []string{"https://karmada.io/docs", "http://x.y/z"}
	assert.Equal(t, want, links.Links())
	assert.Equal(t, want, handled)

	v.DeleteAddon(AddonWebLinks)
	writeAndWait(t, v, "https://ignored.example\r\n")
	assert.Equal(t, want, links.Links())
}

func TestClipboardAddonOSC52(t *testing.T) {
	var mu sync.Mutex
	var copied []string
	orig := writeClipboard
	writeClipboard = func(s string) error {
		mu.Lock()
		copied = append(copied, s)
		mu.Unlock()
		return nil
	}
	defer func() { writeClipboard = orig }()

	v := openView(t, newFakeContainer(80, 24))
	cb := NewClipboardAddon()
	require.NoError(t, v.SetAddon(AddonClipboard, cb))

	writeAndWait(t, v, "\x1b]52;c;aGVsbG8=\x07")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hello"}, copied)
	assert.Equal(t, "hello", cb.Last())
}

func TestClipboardAddonInactive(t *testing.T) {
	assert.ErrorIs(t, NewClipboardAddon().Copy("x"), ErrClipboardInactive)
}

func TestTransferAddonRefusesZmodem(t *testing.T) {
	v := openView(t, newFakeContainer(80, 24))
	tr := NewTransferAddon(nil)
	require.NoError(t, v.SetAddon(AddonTransfer, tr))

	var sent []byte
	tr.SetSender(func(p []byte) { sent = append(sent, p...) })

	assert.Equal(t, []byte("rz\r**\x18B00000"), tr.Filter([]byte("rz\r**\x18B00000")), "disabled passes through")
	assert.False(t, tr.Enabled())

	tr.Configure(true, false)
	assert.True(t, tr.Enabled())
	out := tr.Filter([]byte("rz waiting\r\n**\x18B00000000000"))
	assert.Equal(t, []byte("rz waiting\r\n"), out)
	assert.Equal(t, zmodemAbort, sent)
	assert.Equal(t, 1, tr.Started())
}

func TestTransferAddonHeaderAcrossChunks(t *testing.T) {
	var kinds []TransferKind
	tr := NewTransferAddon(func(kind TransferKind, send func([]byte)) string {
		kinds = append(kinds, kind)
		return ""
	})
	tr.Configure(true, true)

	assert.Equal(t, []byte("abc*"), tr.Filter([]byte("abc*")))
	assert.Empty(t, tr.Filter([]byte("*\x18B01")))
	assert.Equal(t, []TransferKind{TransferZmodem}, kinds)
}

func TestTransferAddonTrzsz(t *testing.T) {
	var kinds []TransferKind
	tr := NewTransferAddon(func(kind TransferKind, send func([]byte)) string {
		kinds = append(kinds, kind)
		return ""
	})
	tr.Configure(false, true)

	line := []byte("::TRZSZ:TRANSFER:R:1.1.5:0123456789\r\n")
	assert.Equal(t, line, tr.Filter(line))
	assert.Equal(t, []TransferKind{TransferTrzsz}, kinds)

	tr.Configure(false, false)
	tr.Filter(line)
	assert.Len(t, kinds, 1)
}

func TestOverlayZeroTimeoutStays(t *testing.T) {
	v := openView(t, newFakeContainer(80, 24))
	v.ShowOverlay("Press ⏎ to Reconnect", 0)
	o := v.MustAddon(AddonOverlay).(*OverlayAddon)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, "Press ⏎ to Reconnect", o.Current())

	v.ShowOverlay("Reconnecting...", 0)
	assert.Equal(t, "Reconnecting...", o.Current())
	o.Hide()
	assert.Empty(t, o.Current())
}
