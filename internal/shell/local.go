package shell

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

const defaultLocalShell = "/bin/sh"

// LocalConnector runs Shell on a local PTY. The target is exported to the
// shell environment so prompts can show which container is being emulated.
type LocalConnector struct {
	Shell string
	Args  []string
}

type localSession struct {
	cmd  *exec.Cmd
	ptmx *os.File

	closeOnce sync.Once
	closeErr  error
}

func (c *LocalConnector) Connect(ctx context.Context, t Target) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shell := c.Shell
	if shell == "" {
		shell = defaultLocalShell
	}

	cmd := exec.Command(shell, c.Args...)
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"KARMADA_NAMESPACE="+t.Namespace,
		"KARMADA_POD="+t.Pod,
		"KARMADA_CONTAINER="+t.Container,
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	return &localSession{cmd: cmd, ptmx: ptmx}, nil
}

func (s *localSession) Write(p []byte) (int, error) { return s.ptmx.Write(p) }

func (s *localSession) Read(p []byte) (int, error) { return s.ptmx.Read(p) }

func (s *localSession) Resize(rows, cols uint16) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{
		Rows: rows,
		Cols: cols,
	})
}

// Close terminates the shell and its PTY.
func (s *localSession) Close() error {
	s.closeOnce.Do(func() {
		// Kill the subprocess to avoid orphaned processes
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		s.closeErr = s.ptmx.Close()
		_ = s.cmd.Wait()
	})
	return s.closeErr
}
