//go:build !windows

package console

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// notifyResize calls fn on SIGWINCH until the returned stop is called.
func notifyResize(fn func()) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				fn()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}
