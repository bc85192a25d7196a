// Package subproc runs a long-lived, line-oriented external process and turns
// its stdout into a stream of typed events while feeding it targets on stdin.
package subproc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotStarted      = errors.New("subprocess not started")
	ErrAlreadyStarted  = errors.New("subprocess already started")
	ErrStopped         = errors.New("subprocess stopped")
	ErrExited          = errors.New("subprocess exited")
	ErrPipingDisabled  = errors.New("stdin piping is disabled for this subprocess")
	errEmptyCommand    = errors.New("empty command")
	errMultilineTarget = errors.New("target must not contain a newline")
)

const (
	defaultQueueSize             = 1024
	defaultBackpressureThreshold = 10
	defaultEventBuffer           = 256
	defaultCloseWait             = 10 * time.Second
)

// Parser decodes one trimmed, non-empty stdout line into an event.
type Parser[T any] func(line []byte) (T, error)

// Options configures an Adapter.
type Options struct {
	// Args is the full argv; Args[0] is resolved through PATH.
	Args []string
	Env  []string

	// Piping opens stdin so targets can be submitted.
	Piping bool

	QueueSize             int
	BackpressureThreshold int
	EventBuffer           int

	// CloseWait bounds how long Stop waits after SIGTERM before killing.
	CloseWait time.Duration
}

func (o *Options) sanitize() {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.BackpressureThreshold <= 0 {
		o.BackpressureThreshold = defaultBackpressureThreshold
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	if o.CloseWait <= 0 {
		o.CloseWait = defaultCloseWait
	}
}

// Adapter owns one external process. It is single use: once stopped or
// exited, create a new Adapter to run the process again.
type Adapter[T any] struct {
	opts   Options
	parse  Parser[T]
	logger zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	exitErr error

	outbound   chan string
	events     chan T
	done       chan struct{}
	stopCh     chan struct{}
	writerDone chan struct{}
	stopOnce   sync.Once
}

// New builds an Adapter for the given command. The process is not spawned
// until Start.
func New[T any](opts Options, parse Parser[T]) *Adapter[T] {
	opts.sanitize()
	binary := ""
	if len(opts.Args) > 0 {
		binary = opts.Args[0]
	}
	return &Adapter[T]{
		opts:       opts,
		parse:      parse,
		logger:     log.With().Str("component", "subproc").Str("binary", binary).Logger(),
		outbound:   make(chan string, opts.QueueSize),
		events:     make(chan T, opts.EventBuffer),
		done:       make(chan struct{}),
		stopCh:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// WithLogger replaces the adapter logger.
func (a *Adapter[T]) WithLogger(l zerolog.Logger) *Adapter[T] {
	a.logger = l
	return a
}

// Start spawns the process and launches the stdout reader, the stderr drain
// and, when piping is enabled, the stdin writer.
func (a *Adapter[T]) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return ErrStopped
	}
	if a.started {
		return ErrAlreadyStarted
	}
	if len(a.opts.Args) == 0 {
		return errEmptyCommand
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, a.opts.Args[0], a.opts.Args[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = a.opts.CloseWait
	if len(a.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), a.opts.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	var stdin io.WriteCloser
	if a.opts.Piping {
		if stdin, err = cmd.StdinPipe(); err != nil {
			cancel()
			return fmt.Errorf("stdin pipe: %w", err)
		}
	}

	a.logger.Debug().Str("args", strings.Join(a.opts.Args, " ")).Msg("Starting subprocess")
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", a.opts.Args[0], err)
	}

	a.started = true
	a.cmd = cmd
	a.cancel = cancel
	a.stdin = stdin
	a.stdout = stdout
	a.stderr = stderr

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		a.readStdout(runCtx, stdout)
	}()
	go func() {
		defer readers.Done()
		a.drainStderr(stderr)
	}()

	if a.opts.Piping {
		go a.writeLoop(stdin)
	} else {
		close(a.writerDone)
	}

	go func() {
		readers.Wait()
		err := cmd.Wait()
		cancel()

		a.mu.Lock()
		a.exitErr = err
		a.mu.Unlock()

		if err != nil {
			a.logger.Warn().Err(err).Msg("Subprocess exited")
		} else {
			a.logger.Info().Msg("Subprocess exited")
		}
		close(a.events)
		close(a.done)
	}()

	return nil
}

// Submit enqueues one target line for the process. It blocks while the
// outbound queue is full.
func (a *Adapter[T]) Submit(ctx context.Context, target string) error {
	if !a.opts.Piping {
		return ErrPipingDisabled
	}
	if strings.ContainsAny(target, "\r\n") {
		return errMultilineTarget
	}

	a.mu.Lock()
	started, stopped := a.started, a.stopped
	a.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !started {
		return ErrNotStarted
	}

	// A closed channel and free queue space are both ready in the select
	// below, so check for a dead process first.
	if err := a.closedErr(); err != nil {
		return err
	}

	if depth := a.QueueDepth(); depth > a.opts.BackpressureThreshold {
		a.logger.Warn().Int("queue_depth", depth).Msg("Subprocess stdin is falling behind")
	}

	select {
	case a.outbound <- target:
		// The writer stops draining once the process is gone; a target
		// enqueued at that moment is reported as not delivered.
		return a.closedErr()
	case <-a.stopCh:
		return ErrStopped
	case <-a.done:
		return ErrExited
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter[T]) closedErr() error {
	select {
	case <-a.stopCh:
		return ErrStopped
	default:
	}
	select {
	case <-a.done:
		return ErrExited
	default:
	}
	return nil
}

// Events yields one parsed event per stdout line, in arrival order. The
// channel is closed once the process has exited.
func (a *Adapter[T]) Events() <-chan T {
	return a.events
}

// Done is closed when the process has exited, for any reason.
func (a *Adapter[T]) Done() <-chan struct{} {
	return a.done
}

// Err returns the process exit error once Done is closed.
func (a *Adapter[T]) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exitErr
}

// QueueDepth reports how many targets are waiting to be written.
func (a *Adapter[T]) QueueDepth() int {
	return len(a.outbound)
}

// Stop closes stdin, stops the reader and writer, terminates the process if
// it is still running and waits for it to exit. It is safe to call more than
// once and from multiple goroutines.
func (a *Adapter[T]) Stop() error {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.stopped = true
		started := a.started
		a.mu.Unlock()

		close(a.stopCh)
		if !started {
			close(a.writerDone)
			close(a.events)
			close(a.done)
			return
		}

		if a.stdin != nil {
			_ = a.stdin.Close()
		}
		<-a.writerDone
		a.cancel()

		select {
		case <-a.done:
		case <-time.After(a.opts.CloseWait):
			a.logger.Warn().Dur("close_wait", a.opts.CloseWait).Msg("Subprocess did not exit in time, killing")
			_ = a.cmd.Process.Kill()
			_ = a.stdout.Close()
			_ = a.stderr.Close()
			<-a.done
		}
		a.logger.Info().Msg("Subprocess and tasks terminated")
	})
	return nil
}

func (a *Adapter[T]) writeLoop(stdin io.WriteCloser) {
	defer close(a.writerDone)
	for {
		select {
		case <-a.stopCh:
			_ = stdin.Close()
			return
		case <-a.done:
			return
		case target := <-a.outbound:
			if _, err := io.WriteString(stdin, target+"\n"); err != nil {
				a.logger.Error().Err(err).Str("target", target).Msg("Failed to write to subprocess stdin")
				continue
			}
			a.logger.Debug().Str("target", target).Msg("Piped target to subprocess")
		}
	}
}

func (a *Adapter[T]) readStdout(ctx context.Context, stdout io.Reader) {
	r := bufio.NewReaderSize(stdout, 4096)
	for {
		// ReadBytes grows its result until the delimiter, so lines of any
		// length are reassembled across reads.
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && !a.handleLine(ctx, line) {
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				a.logger.Error().Err(err).Msg("Error reading subprocess stdout")
			}
			return
		}
	}
}

// handleLine returns false when the reader should stop.
func (a *Adapter[T]) handleLine(ctx context.Context, line []byte) bool {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return true
	}

	ev, err := a.parse(line)
	if err != nil {
		a.logger.Error().Err(err).Str("line", truncate(line, 512)).Msg("Failed to decode subprocess output")
		return true
	}

	select {
	case a.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Adapter[T]) drainStderr(stderr io.Reader) {
	r := bufio.NewReader(stderr)
	for {
		line, err := r.ReadString('\n')
		if s := strings.TrimSpace(line); s != "" {
			a.logger.Warn().Str("stderr", s).Msg("Subprocess stderr")
		}
		if err != nil {
			return
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
