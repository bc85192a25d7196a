package subproc

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type record struct {
	V string `json:"v"`
}

func parseRecord(line []byte) (record, error) {
	var r record
	err := json.Unmarshal(line, &r)
	return r, err
}

func parseRaw(line []byte) (string, error) {
	return string(line), nil
}

func shell(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

func collect[T any](t *testing.T, a *Adapter[T]) []T {
	t.Helper()
	var out []T
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-a.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for subprocess events")
		}
	}
}

func TestAdapter_MalformedLineIsDroppedAndReadingContinues(t *testing.T) {
	logs := &lockedBuffer{}
	a := New(Options{Args: shell(`printf 'not json\n{"v":"ok"}\n'`)}, parseRecord).
		WithLogger(zerolog.New(logs))

	require.NoError(t, a.Start(context.Background()))
	events := collect(t, a)

	require.Equal(t, []record{{V: "ok"}}, events)
	require.Equal(t, 1, strings.Count(logs.String(), "Failed to decode subprocess output"))
	require.NoError(t, a.Stop())
}

func TestAdapter_ReassemblesLongLines(t *testing.T) {
	script := `printf '{"v":"'; head -c 70000 /dev/zero | tr '\0' a; printf '"}\n{"v":"tail"}'`
	a := New(Options{Args: shell(script)}, parseRecord).WithLogger(zerolog.Nop())

	require.NoError(t, a.Start(context.Background()))
	events := collect(t, a)

	require.Len(t, events, 2)
	require.Len(t, events[0].V, 70000)
	require.Equal(t, strings.Repeat("a", 70000), events[0].V)
	// A final line without a trailing newline is still delivered.
	require.Equal(t, "tail", events[1].V)
}

func TestAdapter_SkipsBlankLines(t *testing.T) {
	a := New(Options{Args: shell(`printf '\n   \n{"v":"x"}\n\n'`)}, parseRecord).WithLogger(zerolog.Nop())

	require.NoError(t, a.Start(context.Background()))
	require.Equal(t, []record{{V: "x"}}, collect(t, a))
}

func TestAdapter_SubmitPipesTargetsInOrder(t *testing.T) {
	a := New(Options{Args: []string{"cat"}, Piping: true}, parseRaw).WithLogger(zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	targets := []string{"1.2.3.4", "5.6.7.8", "9.9.9.9"}
	for _, target := range targets {
		require.NoError(t, a.Submit(ctx, target))
	}

	var got []string
	for len(got) < len(targets) {
		select {
		case ev := <-a.Events():
			got = append(got, ev)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for echoed targets")
		}
	}
	require.Equal(t, targets, got)

	require.NoError(t, a.Stop())
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

func TestAdapter_ConcurrentSubmitsDoNotInterleave(t *testing.T) {
	a := New(Options{Args: []string{"cat"}, Piping: true, QueueSize: 8}, parseRaw).WithLogger(zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Stop() }()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, a.Submit(ctx, "10.0.0.1"))
		}()
	}

	seen := 0
	for seen < n {
		select {
		case ev := <-a.Events():
			require.Equal(t, "10.0.0.1", ev)
			seen++
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d lines echoed", seen, n)
		}
	}
	wg.Wait()
}

func TestAdapter_StderrIsLoggedAtWarn(t *testing.T) {
	logs := &lockedBuffer{}
	a := New(Options{Args: shell(`echo oops >&2`)}, parseRecord).WithLogger(zerolog.New(logs))

	require.NoError(t, a.Start(context.Background()))
	require.Empty(t, collect(t, a))

	out := logs.String()
	require.Contains(t, out, `"stderr":"oops"`)
	require.Contains(t, out, `"level":"warn"`)
}

func TestAdapter_DoneSignalsNaturalExit(t *testing.T) {
	a := New(Options{Args: shell(`exit 3`)}, parseRecord).WithLogger(zerolog.Nop())
	require.NoError(t, a.Start(context.Background()))

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after process exit")
	}
	require.Error(t, a.Err())

	_, open := <-a.Events()
	require.False(t, open)
}

func TestAdapter_StopTerminatesRunningProcess(t *testing.T) {
	a := New(Options{Args: []string{"sleep", "30"}, CloseWait: time.Second}, parseRecord).WithLogger(zerolog.Nop())
	require.NoError(t, a.Start(context.Background()))

	start := time.Now()
	require.NoError(t, a.Stop())
	require.Less(t, time.Since(start), 5*time.Second)

	// Idempotent.
	require.NoError(t, a.Stop())
}

func TestAdapter_StopIsSafeConcurrently(t *testing.T) {
	a := New(Options{Args: []string{"cat"}, Piping: true, CloseWait: time.Second}, parseRaw).WithLogger(zerolog.Nop())
	require.NoError(t, a.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, a.Stop())
		}()
	}
	wg.Wait()
	<-a.Done()
}

func TestAdapter_LifecycleErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("submit before start", func(t *testing.T) {
		a := New(Options{Args: []string{"cat"}, Piping: true}, parseRaw)
		require.ErrorIs(t, a.Submit(ctx, "1.1.1.1"), ErrNotStarted)
	})

	t.Run("stop before start", func(t *testing.T) {
		a := New(Options{Args: []string{"cat"}, Piping: true}, parseRaw)
		require.NoError(t, a.Stop())
		require.ErrorIs(t, a.Start(ctx), ErrStopped)
		require.ErrorIs(t, a.Submit(ctx, "1.1.1.1"), ErrStopped)
		<-a.Done()
	})

	t.Run("piping disabled", func(t *testing.T) {
		a := New(Options{Args: []string{"true"}}, parseRaw)
		require.ErrorIs(t, a.Submit(ctx, "1.1.1.1"), ErrPipingDisabled)
	})

	t.Run("double start", func(t *testing.T) {
		a := New(Options{Args: []string{"cat"}, Piping: true, CloseWait: time.Second}, parseRaw).WithLogger(zerolog.Nop())
		require.NoError(t, a.Start(ctx))
		defer func() { _ = a.Stop() }()
		require.ErrorIs(t, a.Start(ctx), ErrAlreadyStarted)
	})

	t.Run("multiline target", func(t *testing.T) {
		a := New(Options{Args: []string{"cat"}, Piping: true}, parseRaw)
		require.Error(t, a.Submit(ctx, "1.1.1.1\n2.2.2.2"))
	})

	t.Run("missing binary", func(t *testing.T) {
		a := New(Options{Args: []string{"/nonexistent/probe-binary"}}, parseRaw)
		require.Error(t, a.Start(ctx))
	})
}

func TestAdapter_SubmitAfterExitFails(t *testing.T) {
	ctx := context.Background()
	// Submit must fail every time, not only when the select happens to pick
	// the exit case.
	for i := range 40 {
		a := New(Options{Args: shell("exit 0"), Piping: true, CloseWait: time.Second}, parseRaw).WithLogger(zerolog.Nop())
		require.NoError(t, a.Start(ctx))
		<-a.Done()

		require.ErrorIs(t, a.Submit(ctx, "1.2.3.4"), ErrExited, "run %d", i)
		require.NoError(t, a.Stop())
		require.ErrorIs(t, a.Submit(ctx, "1.2.3.4"), ErrStopped, "run %d", i)
	}
}

func TestAdapter_BackpressureWarning(t *testing.T) {
	logs := &lockedBuffer{}
	// The process never reads stdin, so the queue fills past the threshold.
	a := New(Options{
		Args:                  []string{"sleep", "30"},
		Piping:                true,
		QueueSize:             64,
		BackpressureThreshold: 2,
		CloseWait:             time.Second,
	}, parseRaw).WithLogger(zerolog.New(logs))

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Stop() }()

	// Pipe buffers absorb some writes; keep submitting until the queue backs up.
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(logs.String(), "Subprocess stdin is falling behind") {
		if time.Now().After(deadline) {
			t.Fatal("no backpressure warning emitted")
		}
		subCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		_ = a.Submit(subCtx, strings.Repeat("x", 4096))
		cancel()
	}
}
