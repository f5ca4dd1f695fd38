package tmux

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTmux records every invocation and answers display-message and
// capture-pane from canned values.
type fakeTmux struct {
	mu       sync.Mutex
	calls    [][]string
	paneID   string
	capture  string
	failNext error
}

func (f *fakeTmux) run(ctx context.Context, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), args...))
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	switch args[0] {
	case "display-message":
		if f.paneID == "" {
			return nil, errors.New("can't find pane")
		}
		return []byte(f.paneID + "\n"), nil
	case "capture-pane":
		return []byte(f.capture), nil
	}
	return nil, nil
}

func (f *fakeTmux) sendCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if c[0] == "send-keys" {
			out = append(out, c)
		}
	}
	return out
}

func TestOpenResolvesPaneID(t *testing.T) {
	f := &fakeTmux{paneID: "%7"}
	p, err := OpenWith("work:0.1", f.run)
	require.NoError(t, err)
	assert.Equal(t, "%7", p.Ref())
	assert.Equal(t, "work:0.1", p.Target())
}

func TestOpenUnknownPane(t *testing.T) {
	f := &fakeTmux{}
	_, err := OpenWith("%99", f.run)
	require.ErrorIs(t, err, ErrPaneNotFound)

	_, err = OpenWith("  ", f.run)
	require.ErrorIs(t, err, ErrPaneNotFound)
}

func TestCaptureTrimsTrailingBlankLines(t *testing.T) {
	f := &fakeTmux{paneID: "%1", capture: "$ make test  \nok\n\n\n   \n"}
	p, err := OpenWith("%1", f.run)
	require.NoError(t, err)

	lines, err := p.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"$ make test", "ok"}, lines)

	tail, err := p.Tail(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "ok", tail)
}

func TestCaptureEmptyPane(t *testing.T) {
	f := &fakeTmux{paneID: "%1", capture: "\n\n"}
	p, err := OpenWith("%1", f.run)
	require.NoError(t, err)

	lines, err := p.Capture(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestSendKeysLiteralThenEnter(t *testing.T) {
	f := &fakeTmux{paneID: "%3"}
	p, err := OpenWith("%3", f.run)
	require.NoError(t, err)

	require.NoError(t, p.SendKeys(context.Background(), "echo ok", true))

	calls := f.sendCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"send-keys", "-l", "-t", "%3", "--", "echo ok"}, calls[0])
	assert.Equal(t, []string{"send-keys", "-t", "%3", "Enter"}, calls[1])
}

func TestSendKeysWithoutSubmit(t *testing.T) {
	f := &fakeTmux{paneID: "%3"}
	p, err := OpenWith("%3", f.run)
	require.NoError(t, err)

	require.NoError(t, p.SendKeys(context.Background(), "partial", false))
	assert.Len(t, f.sendCalls(), 1)
}

func TestClosedPaneRejectsOperations(t *testing.T) {
	f := &fakeTmux{paneID: "%3"}
	p, err := OpenWith("%3", f.run)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Capture(context.Background())
	assert.ErrorIs(t, err, ErrPaneClosed)
	assert.ErrorIs(t, p.SendKeys(context.Background(), "x", true), ErrPaneClosed)
	assert.False(t, p.Alive(context.Background()))
}

func TestAlive(t *testing.T) {
	f := &fakeTmux{paneID: "%3"}
	p, err := OpenWith("%3", f.run)
	require.NoError(t, err)
	assert.True(t, p.Alive(context.Background()))

	f.mu.Lock()
	f.paneID = ""
	f.mu.Unlock()
	assert.False(t, p.Alive(context.Background()))
}

func TestSplitIntoChunks(t *testing.T) {
	assert.Nil(t, splitIntoChunks("", 10))
	assert.Equal(t, []string{"short"}, splitIntoChunks("short", 10))

	chunks := splitIntoChunks("aaaa\nbbbb\ncccc", 10)
	assert.Equal(t, []string{"aaaa\nbbbb\n", "cccc"}, chunks)

	chunks = splitIntoChunks(strings.Repeat("x", 25), 10)
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, chunks)
}

func skipIfNoTmuxServer(t *testing.T) {
	t.Helper()
	if err := IsTmuxAvailable(); err != nil {
		t.Skip("tmux not available")
	}
	if err := exec.Command("tmux", "list-sessions").Run(); err != nil {
		t.Skip("tmux server not running")
	}
}

func TestPaneAgainstRealTmux(t *testing.T) {
	skipIfNoTmuxServer(t)

	name := "mom-pane-test"
	require.NoError(t, exec.Command("tmux", "new-session", "-d", "-s", name).Run())
	t.Cleanup(func() {
		_ = exec.Command("tmux", "kill-session", "-t", name).Run()
	})

	p, err := Open(name)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.SendKeys(context.Background(), "echo hello-from-pane-test", true))

	require.Eventually(t, func() bool {
		tail, err := p.Tail(context.Background(), 20)
		return err == nil && strings.Count(tail, "hello-from-pane-test") >= 2
	}, 3*time.Second, 100*time.Millisecond)
}
