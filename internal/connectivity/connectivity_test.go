package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scanbox/internal/backend"
	"scanbox/internal/clock"
)

func TestManual_EmitsOnlyOnChange(t *testing.T) {
	t.Parallel()
	m := NewManual(false)
	require.False(t, m.Reachable())

	m.Set(true)
	m.Set(true) // no second transition
	m.Set(false)

	require.True(t, <-m.Transitions())
	require.False(t, <-m.Transitions())
	select {
	case <-m.Transitions():
		t.Fatal("unexpected extra transition")
	default:
	}
}

// pingBackend implements only Ping meaningfully; the prober never calls
// anything else.
type pingBackend struct {
	mu  sync.Mutex
	err error
}

func (p *pingBackend) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *pingBackend) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pingBackend) CreateDocument(context.Context, backend.DocumentState) (backend.Ack, error) {
	panic("not used")
}
func (p *pingBackend) UpdateDocument(context.Context, string, backend.DocumentState) (backend.Ack, error) {
	panic("not used")
}
func (p *pingBackend) MoveDocument(context.Context, string, string, time.Time) (backend.Ack, error) {
	panic("not used")
}
func (p *pingBackend) DeleteDocument(context.Context, string, time.Time) (backend.Ack, error) {
	panic("not used")
}
func (p *pingBackend) CreateFolder(context.Context, backend.FolderState) (backend.Ack, error) {
	panic("not used")
}
func (p *pingBackend) UpdateFolder(context.Context, string, backend.FolderState) (backend.Ack, error) {
	panic("not used")
}
func (p *pingBackend) DeleteFolder(context.Context, string) (backend.Ack, error) {
	panic("not used")
}

func TestProber_TransitionsFollowPingResults(t *testing.T) {
	t.Parallel()
	be := &pingBackend{}
	clk := clock.NewFake(time.Unix(0, 0))
	p := NewProber(be, clk, nil, 10*time.Second)

	p.Start(context.Background())
	defer p.Stop()

	// first probe runs immediately and succeeds
	require.Eventually(t, func() bool { return p.Reachable() }, time.Second, time.Millisecond)
	require.True(t, <-p.Transitions())

	be.setErr(errors.New("unreachable"))
	require.Eventually(t, func() bool { return clk.Waiters() >= 1 }, time.Second, time.Millisecond)
	clk.Advance(10 * time.Second)

	require.False(t, <-p.Transitions())
	require.False(t, p.Reachable())
}
