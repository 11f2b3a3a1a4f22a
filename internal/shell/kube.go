package shell

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
)

// DefaultKubeCommand prefers bash and falls back to sh.
var DefaultKubeCommand = []string{
	"/bin/sh", "-c",
	"TERM=xterm-256color; export TERM; [ -x /bin/bash ] && exec /bin/bash || exec /bin/sh",
}

// KubeConnector execs into pod containers through the API server.
type KubeConnector struct {
	Config  *rest.Config
	Client  kubernetes.Interface
	Command []string

	// newExecutor is swapped in tests.
	newExecutor func(cfg *rest.Config, method string, u *url.URL) (remotecommand.Executor, error)
}

// NewKubeConnector builds a connector from a kubeconfig path, or from the
// in-cluster configuration when the path is empty.
func NewKubeConnector(kubeconfig string) (*KubeConnector, error) {
	cfg, err := restConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return &KubeConnector{Config: cfg, Client: client}, nil
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		log.Info().Msg("shell: using in-cluster kubernetes configuration")
		cfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig from %s: %w", kubeconfig, err)
	}
	return cfg, nil
}

func (c *KubeConnector) Connect(ctx context.Context, t Target) (Session, error) {
	command := c.Command
	if len(command) == 0 {
		command = DefaultKubeCommand
	}
	req := c.Client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(t.Namespace).
		Name(t.Pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: t.Container,
			Command:   command,
			Stdin:     true,
			Stdout:    true,
			TTY:       true,
		}, scheme.ParameterCodec)

	newExecutor := c.newExecutor
	if newExecutor == nil {
		newExecutor = remotecommand.NewSPDYExecutor
	}
	exec, err := newExecutor(c.Config, http.MethodPost, req.URL())
	if err != nil {
		return nil, fmt.Errorf("create executor for %s: %w", t, err)
	}
	return startKubeSession(ctx, exec, t), nil
}

// kubeSession adapts a streaming executor to Session with a pair of pipes.
// Resize requests feed the executor's TerminalSizeQueue.
type kubeSession struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader

	ctx    context.Context
	cancel context.CancelFunc
	sizes  chan remotecommand.TerminalSize
	done   chan struct{}

	closeOnce sync.Once
}

var _ remotecommand.TerminalSizeQueue = (*kubeSession)(nil)

func startKubeSession(ctx context.Context, exec remotecommand.Executor, t Target) *kubeSession {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	// The stream outlives the request context that created it.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &kubeSession{
		stdin:  stdinW,
		stdout: stdoutR,
		ctx:    sctx,
		cancel: cancel,
		sizes:  make(chan remotecommand.TerminalSize, 1),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		err := exec.StreamWithContext(sctx, remotecommand.StreamOptions{
			Stdin:             stdinR,
			Stdout:            stdoutW,
			Tty:               true,
			TerminalSizeQueue: s,
		})
		if err != nil {
			log.Warn().Err(err).Str("target", t.String()).Msg("shell: exec stream ended")
			stdoutW.CloseWithError(err)
		} else {
			stdoutW.Close()
		}
		stdinR.Close()
	}()
	return s
}

func (s *kubeSession) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *kubeSession) Read(p []byte) (int, error) { return s.stdout.Read(p) }

// Resize queues the latest size, replacing one not yet consumed.
func (s *kubeSession) Resize(rows, cols uint16) error {
	size := remotecommand.TerminalSize{Width: cols, Height: rows}
	for {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		select {
		case s.sizes <- size:
			return nil
		default:
		}
		select {
		case <-s.sizes:
		default:
		}
	}
}

// Next blocks until a resize is queued or the session is closed.
func (s *kubeSession) Next() *remotecommand.TerminalSize {
	select {
	case size := <-s.sizes:
		return &size
	case <-s.ctx.Done():
		return nil
	}
}

func (s *kubeSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.stdin.Close()
		s.stdout.Close()
	})
	<-s.done
	return nil
}
