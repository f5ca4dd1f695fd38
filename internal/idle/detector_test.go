package idle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-mom/internal/transcript"
)

// changingPane returns new content on every capture until stopAt, then
// keeps returning the last content.
type changingPane struct {
	mu     sync.Mutex
	stopAt time.Time
	n      int
	err    error
}

func (p *changingPane) Capture(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if time.Now().Before(p.stopAt) {
		p.n++
	}
	return []string{"line", fmt.Sprintf("tick %d", p.n)}, nil
}

func TestSettleWaitsForQuiescence(t *testing.T) {
	threshold := 60 * time.Millisecond
	stopAt := time.Now().Add(100 * time.Millisecond)
	pane := &changingPane{stopAt: stopAt}
	d := New(pane, threshold, 5*time.Millisecond)
	log := transcript.New(10)

	idleFor, err := d.Settle(context.Background(), log)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, idleFor, threshold)
	// The last observed change lands at most one poll interval before stopAt.
	assert.False(t, time.Now().Before(stopAt.Add(threshold-5*time.Millisecond)), "settled before content stopped changing plus threshold")

	entries := log.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, transcript.RoleIdleSpin, entries[0].Role)
	assert.True(t, strings.HasPrefix(entries[0].Text, "idle_for="))
}

func TestSettleTreatsCaptureFailureAsNoChange(t *testing.T) {
	pane := &changingPane{err: errors.New("pane gone")}
	d := New(pane, 20*time.Millisecond, 5*time.Millisecond)
	log := transcript.New(10)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := d.Settle(ctx, log)
	require.NoError(t, err)
	assert.Equal(t, 1, log.Len())
}

func TestSettleCancelled(t *testing.T) {
	// Never settles: content changes for the whole test.
	pane := &changingPane{stopAt: time.Now().Add(time.Hour)}
	d := New(pane, 50*time.Millisecond, 5*time.Millisecond)
	log := transcript.New(10)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	_, err := d.Settle(ctx, log)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, log.Len())
}

func TestPollDetectsChange(t *testing.T) {
	pane := &changingPane{stopAt: time.Now().Add(time.Hour)}
	d := New(pane, time.Second, time.Second)

	assert.True(t, d.Poll(context.Background()))
	assert.Less(t, d.IdleFor(), time.Second)

	pane.mu.Lock()
	pane.stopAt = time.Time{}
	pane.mu.Unlock()

	assert.False(t, d.Poll(context.Background()))
}

func TestNewDefaults(t *testing.T) {
	d := New(&changingPane{}, 0, 0)
	assert.Equal(t, DefaultThreshold, d.Threshold())
	assert.Equal(t, DefaultPollInterval, d.pollInterval)
}
