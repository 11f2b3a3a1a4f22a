//go:build windows

package console

// notifyResize is a no-op: Windows consoles do not deliver SIGWINCH.
func notifyResize(func()) (stop func()) { return func() {} }
