// Package syncer drains the mutation queue against the backend. Per-target
// drains run as independent goroutines; within one target mutations are
// strictly sequential, and a create must confirm (yielding the remote id)
// before any later operation for that target is sent.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"scanbox/internal/backend"
	"scanbox/internal/clock"
	"scanbox/internal/connectivity"
	"scanbox/internal/errs"
	"scanbox/internal/model"
	"scanbox/internal/store"
)

// Config collects the engine's collaborators and tuning.
type Config struct {
	Store   *store.Store
	Backend backend.Backend
	Watcher connectivity.Watcher // nil means always reachable
	Clock   clock.Clock          // nil selects the real clock
	Logger  *zap.Logger

	// Backoff schedule for retryable failures: BaseDelay doubling up to
	// MaxDelay with jitter, giving up after MaxAttempts while reachable.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// Tick is the periodic background drain interval.
	Tick time.Duration
}

// Engine is the sync engine. Drain may be invoked concurrently from any
// number of triggers; the queue's per-target in-flight gate guarantees no
// mutation is ever double-sent.
type Engine struct {
	st  *store.Store
	be  backend.Backend
	w   connectivity.Watcher
	clk clock.Clock
	log *zap.Logger

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	tick        time.Duration

	// drainMu serializes whole drain passes so the folders-before-documents
	// ordering holds even when triggers overlap.
	drainMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an engine. Start begins the background triggers; Drain and
// ForceSyncNow work without Start for one-shot use.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Backend == nil {
		return nil, errors.New("syncer: store and backend are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	return &Engine{
		st:          cfg.Store,
		be:          cfg.Backend,
		w:           cfg.Watcher,
		clk:         cfg.Clock,
		log:         cfg.Logger,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
		tick:        cfg.Tick,
	}, nil
}

func (e *Engine) reachable() bool {
	if e.w == nil {
		return true
	}
	return e.w.Reachable()
}

// Start launches the trigger loop: reachability transitions, new enqueues
// while reachable, and the periodic tick.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	var transitions <-chan bool
	if e.w != nil {
		transitions = e.w.Transitions()
	}

	go func() {
		defer close(e.done)
		if e.reachable() {
			e.Drain(ctx)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case up := <-transitions:
				if up {
					e.log.Info("reachable again, draining")
					e.Drain(ctx)
				}
			case <-e.st.Enqueued():
				if e.reachable() {
					e.Drain(ctx)
				}
			case <-e.clk.After(e.tick):
				if e.reachable() {
					e.Drain(ctx)
				}
			}
		}
	}()
}

// Stop halts the trigger loop and waits for it to exit. In-flight drains
// observe the cancelled context and wind down.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// ForceSyncNow drains immediately (pull-to-refresh), subject to the same
// state machine as every other trigger.
func (e *Engine) ForceSyncNow(ctx context.Context) {
	e.Drain(ctx)
}

// Drain sends pending mutations until the queue has no claimable work.
// Folder targets drain before document targets so a document that references
// a brand-new folder can carry the folder's remote id; concurrent calls
// serialize to keep that ordering across overlapping drains.
func (e *Engine) Drain(ctx context.Context) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	targets := e.st.PendingTargets()
	if len(targets) == 0 {
		return
	}

	var folders, docs []model.Mutation
	for _, t := range targets {
		if t.TargetType == model.TargetFolder {
			folders = append(folders, t)
		} else {
			docs = append(docs, t)
		}
	}
	e.drainAll(ctx, folders)
	e.drainAll(ctx, docs)
}

func (e *Engine) drainAll(ctx context.Context, targets []model.Mutation) {
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t model.Mutation) {
			defer wg.Done()
			e.drainTarget(ctx, t.TargetType, t.TargetID)
		}(t)
	}
	wg.Wait()
}

// drainTarget sends the target's mutations strictly one at a time.
func (e *Engine) drainTarget(ctx context.Context, typ model.TargetType, id string) {
	for {
		if ctx.Err() != nil {
			return
		}
		m, view, ok := e.st.ClaimMutation(typ, id)
		if !ok {
			return
		}

		res := e.send(ctx, m, view)

		if res.Err != nil && backend.Retryable(res.Err) {
			reachable := e.reachable()
			res.Offline = !reachable
			attempts := m.AttemptCount + 1
			if reachable && attempts >= e.maxAttempts {
				// reachable but still failing: stop auto-retrying
				res.Err = fmt.Errorf("%w: gave up after %d attempts: %v", errs.ErrTerminal, attempts, res.Err)
				if err := e.st.ApplyRemoteResult(m.Seq, res); err != nil {
					e.log.Error("apply terminal result", zap.Int64("seq", m.Seq), zap.Error(err))
				}
				continue
			}
			if err := e.st.ApplyRemoteResult(m.Seq, res); err != nil {
				e.log.Error("apply retryable result", zap.Int64("seq", m.Seq), zap.Error(err))
				return
			}
			if !reachable {
				// the reachable transition will resume this target
				return
			}
			if !e.sleep(ctx, e.backoffDelay(attempts)) {
				return
			}
			continue
		}

		if err := e.st.ApplyRemoteResult(m.Seq, res); err != nil {
			e.log.Error("apply remote result", zap.Int64("seq", m.Seq), zap.Error(err))
			return
		}
	}
}

// backoffDelay computes the jittered exponential delay for the given attempt
// number (1-based).
func (e *Engine) backoffDelay(attempt int) time.Duration {
	b := retry.NewExponential(e.baseDelay)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(e.maxDelay, b)
	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	if d <= 0 {
		d = e.baseDelay
	}
	return d
}

// sleep waits through the injected clock; returns false if ctx ended first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-e.clk.After(d):
		return true
	}
}

// send performs one remote attempt for a claimed mutation and folds the
// outcome into a RemoteResult for the store.
func (e *Engine) send(ctx context.Context, m *model.Mutation, view *store.SyncView) store.RemoteResult {
	res := store.RemoteResult{SentRevision: view.Revision}

	var ack backend.Ack
	var err error

	switch m.TargetType {
	case model.TargetDocument:
		ack, err = e.sendDocument(ctx, m, view.Document)
	case model.TargetFolder:
		ack, err = e.sendFolder(ctx, m, view.Folder)
	default:
		err = fmt.Errorf("%w: unknown target type %q", errs.ErrTerminal, m.TargetType)
	}

	if err != nil {
		var be *backend.Error
		if errors.As(err, &be) && be.Remote != nil {
			res.Conflict = be.Remote
		}
		// a delete for something already gone remotely is a success
		if m.Op == model.OpDelete && errors.Is(err, errs.ErrNotFound) {
			return res
		}
		res.Err = err
		return res
	}
	res.RemoteID = ack.RemoteID
	res.UpdatedAt = ack.UpdatedAt
	return res
}

func (e *Engine) sendDocument(ctx context.Context, m *model.Mutation, d *model.Document) (backend.Ack, error) {
	if d == nil {
		if m.Op == model.OpDelete {
			return backend.Ack{}, nil
		}
		return backend.Ack{}, fmt.Errorf("%w: document %s vanished with queued %s", errs.ErrTerminal, m.TargetID, m.Op)
	}

	switch m.Op {
	case model.OpDelete:
		if d.RemoteID == "" {
			// never reached the backend; nothing to delete remotely
			return backend.Ack{}, nil
		}
		return e.be.DeleteDocument(ctx, d.RemoteID, d.RemoteUpdatedAt)
	case model.OpMove:
		if d.RemoteID == "" {
			return e.be.CreateDocument(ctx, e.documentState(d))
		}
		return e.be.MoveDocument(ctx, d.RemoteID, e.st.FolderRemoteID(d.FolderID), d.RemoteUpdatedAt)
	case model.OpCreate:
		return e.be.CreateDocument(ctx, e.documentState(d))
	default:
		if d.RemoteID == "" {
			// update coalesced ahead of a confirmed create; send the
			// full state as a create instead
			return e.be.CreateDocument(ctx, e.documentState(d))
		}
		return e.be.UpdateDocument(ctx, d.RemoteID, e.documentState(d))
	}
}

func (e *Engine) sendFolder(ctx context.Context, m *model.Mutation, f *model.Folder) (backend.Ack, error) {
	if f == nil {
		if m.Op == model.OpDelete {
			return backend.Ack{}, nil
		}
		return backend.Ack{}, fmt.Errorf("%w: folder %s vanished with queued %s", errs.ErrTerminal, m.TargetID, m.Op)
	}

	st := backend.FolderState{
		ClientRef:     f.ID,
		Name:          f.Name,
		BaseUpdatedAt: f.RemoteUpdatedAt,
	}
	if f.ParentID != "" {
		st.ParentID = e.st.FolderRemoteID(f.ParentID)
	}

	switch m.Op {
	case model.OpDelete:
		if f.RemoteID == "" {
			return backend.Ack{}, nil
		}
		return e.be.DeleteFolder(ctx, f.RemoteID)
	case model.OpCreate:
		return e.be.CreateFolder(ctx, st)
	default:
		if f.RemoteID == "" {
			return e.be.CreateFolder(ctx, st)
		}
		return e.be.UpdateFolder(ctx, f.RemoteID, st)
	}
}

func (e *Engine) documentState(d *model.Document) backend.DocumentState {
	st := backend.DocumentState{
		ClientRef:     d.ID,
		Name:          d.Name,
		Tags:          d.Tags,
		BaseUpdatedAt: d.RemoteUpdatedAt,
		Pages:         make([]backend.PageState, 0, len(d.Pages)),
	}
	if d.FolderID != "" {
		st.FolderID = e.st.FolderRemoteID(d.FolderID)
	}
	for _, p := range d.Pages {
		st.Pages = append(st.Pages, backend.PageState{
			ID:          p.ID,
			ImageKey:    p.ImageKey,
			OCRText:     p.OCRText,
			Annotations: p.Annotations,
			Order:       p.Order,
		})
	}
	return st
}
