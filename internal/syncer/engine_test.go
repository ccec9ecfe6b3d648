package syncer

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"scanbox/internal/backend"
	"scanbox/internal/blobstore"
	"scanbox/internal/clock"
	"scanbox/internal/connectivity"
	"scanbox/internal/model"
	"scanbox/internal/snapshot"
	"scanbox/internal/store"
)

type fakeCall struct {
	op  string
	doc backend.DocumentState
	fld backend.FolderState
}

// fakeBackend acknowledges every call with a fresh remote id, unless a
// scripted error is queued for it.
type fakeBackend struct {
	mu       sync.Mutex
	calls    []fakeCall
	scripted []error
	nextID   int
	now      time.Time
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeBackend) script(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted = append(f.scripted, errs...)
}

func (f *fakeBackend) record(c fakeCall) (backend.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if len(f.scripted) > 0 {
		err := f.scripted[0]
		f.scripted = f.scripted[1:]
		if err != nil {
			return backend.Ack{}, err
		}
	}
	f.nextID++
	f.now = f.now.Add(time.Second)
	return backend.Ack{RemoteID: "r-" + strconv.Itoa(f.nextID), UpdatedAt: f.now}, nil
}

func (f *fakeBackend) callOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]string, len(f.calls))
	for i, c := range f.calls {
		ops[i] = c.op
	}
	return ops
}

func (f *fakeBackend) call(i int) fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeBackend) CreateDocument(_ context.Context, st backend.DocumentState) (backend.Ack, error) {
	return f.record(fakeCall{op: "createDocument", doc: st})
}

func (f *fakeBackend) UpdateDocument(_ context.Context, remoteID string, st backend.DocumentState) (backend.Ack, error) {
	return f.record(fakeCall{op: "updateDocument", doc: st})
}

func (f *fakeBackend) MoveDocument(_ context.Context, remoteID, folderID string, _ time.Time) (backend.Ack, error) {
	return f.record(fakeCall{op: "moveDocument", doc: backend.DocumentState{FolderID: folderID}})
}

func (f *fakeBackend) DeleteDocument(_ context.Context, remoteID string, _ time.Time) (backend.Ack, error) {
	return f.record(fakeCall{op: "deleteDocument"})
}

func (f *fakeBackend) CreateFolder(_ context.Context, st backend.FolderState) (backend.Ack, error) {
	return f.record(fakeCall{op: "createFolder", fld: st})
}

func (f *fakeBackend) UpdateFolder(_ context.Context, remoteID string, st backend.FolderState) (backend.Ack, error) {
	return f.record(fakeCall{op: "updateFolder", fld: st})
}

func (f *fakeBackend) DeleteFolder(_ context.Context, remoteID string) (backend.Ack, error) {
	return f.record(fakeCall{op: "deleteFolder"})
}

func (f *fakeBackend) Ping(context.Context) error { return nil }

type env struct {
	st  *store.Store
	be  *fakeBackend
	clk *clock.Fake
	eng *Engine
	w   *connectivity.Manual
}

func newEnv(t *testing.T) *env {
	t.Helper()
	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	st, err := store.Open(context.Background(), store.Config{
		Snapshot: snapshot.NewMemory(),
		Blobs:    blobs,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	be := newFakeBackend()
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	w := connectivity.NewManual(true)
	eng, err := New(Config{
		Store:       st,
		Backend:     be,
		Watcher:     w,
		Clock:       clk,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		MaxAttempts: 8,
	})
	require.NoError(t, err)
	return &env{st: st, be: be, clk: clk, eng: eng, w: w}
}

func TestDrain_CreateConfirms(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	d, err := e.st.CreateDocument("receipts", "")
	require.NoError(t, err)
	require.Equal(t, model.StatePendingCreate, d.SyncState)

	e.eng.Drain(context.Background())

	got, err := e.st.GetDocument(d.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateSynced, got.SyncState)
	require.NotEmpty(t, got.RemoteID)
	require.Equal(t, d.ID, got.ID, "local id is stable across sync")
	require.Zero(t, e.st.QueueLen())

	require.Equal(t, []string{"createDocument"}, e.be.callOps())
	require.Equal(t, d.ID, e.be.call(0).doc.ClientRef)
}

func TestDrain_CoalescedCreateCarriesFinalPages(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	d, err := e.st.CreateDocument("scan", "")
	require.NoError(t, err)
	d, err = e.st.ImportPage(d.ID, []byte("page-one"), "")
	require.NoError(t, err)
	p1 := d.Pages[0]
	d, err = e.st.ImportPage(d.ID, []byte("page-two"), "")
	require.NoError(t, err)
	p2 := d.Pages[1]

	ann := json.RawMessage(`{"note":"keep this one"}`)
	_, err = e.st.AnnotatePage(d.ID, p2.ID, ann)
	require.NoError(t, err)

	// reorder, then drop the first page before anything was sent
	_, err = e.st.MovePage(d.ID, p2.ID, 0)
	require.NoError(t, err)
	_, err = e.st.RemovePage(d.ID, p1.ID)
	require.NoError(t, err)

	e.eng.Drain(context.Background())

	// the whole offline session collapses into one create
	require.Equal(t, []string{"createDocument"}, e.be.callOps())
	sent := e.be.call(0).doc
	require.Len(t, sent.Pages, 1)
	require.Equal(t, p2.ImageKey, sent.Pages[0].ImageKey)
	require.JSONEq(t, string(ann), string(sent.Pages[0].Annotations))

	got, err := e.st.GetDocument(d.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateSynced, got.SyncState)

	// the removed page's blob is released once the confirm lands
	_, err = e.st.GetPageImage(d.ID, p1.ID)
	require.Error(t, err)
	img, err := e.st.GetPageImage(d.ID, p2.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("page-two"), img)
}

func TestDrain_RetryableBacksOffThenSucceeds(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.be.script(&backend.Error{Kind: backend.KindRetryable, Msg: "503"})

	d, err := e.st.CreateDocument("flaky", "")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.eng.Drain(context.Background())
	}()

	// first attempt fails; the drain parks on the fake clock
	require.Eventually(t, func() bool { return e.clk.Waiters() >= 1 }, time.Second, time.Millisecond)
	e.clk.Advance(2 * time.Second)
	<-done

	require.Equal(t, []string{"createDocument", "createDocument"}, e.be.callOps())
	got, err := e.st.GetDocument(d.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateSynced, got.SyncState)
	require.Empty(t, got.LastSyncError)
	require.Zero(t, e.st.QueueLen())
}

func TestDrain_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.eng.maxAttempts = 2
	e.be.script(
		&backend.Error{Kind: backend.KindRetryable, Msg: "boom"},
		&backend.Error{Kind: backend.KindRetryable, Msg: "boom"},
	)

	d, err := e.st.CreateDocument("doomed", "")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.eng.Drain(context.Background())
	}()
	require.Eventually(t, func() bool { return e.clk.Waiters() >= 1 }, time.Second, time.Millisecond)
	e.clk.Advance(2 * time.Second)
	<-done

	got, err := e.st.GetDocument(d.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateConflict, got.SyncState)
	require.Contains(t, got.LastSyncError, "gave up after 2 attempts")
	require.Zero(t, e.st.QueueLen())
}

func TestDrain_ConflictSurfacesRemoteCopyWithoutOverwriting(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	d, err := e.st.CreateDocument("taxes", "")
	require.NoError(t, err)
	e.eng.Drain(context.Background())

	name := "taxes 2025 (mine)"
	_, err = e.st.UpdateDocument(d.ID, store.DocumentPatch{Name: &name})
	require.NoError(t, err)

	remoteAt := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	e.be.script(&backend.Error{
		Kind:   backend.KindConflict,
		Msg:    "remote copy is newer",
		Remote: &model.RemoteVersion{Name: "taxes 2025 (theirs)", UpdatedAt: remoteAt},
	})
	e.eng.Drain(context.Background())

	got, err := e.st.GetDocument(d.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateConflict, got.SyncState)
	require.Equal(t, name, got.Name, "local edit is never silently discarded")
	require.NotNil(t, got.Conflict)
	require.Equal(t, "taxes 2025 (theirs)", got.Conflict.Name)
	require.Zero(t, e.st.QueueLen())
}

func TestDrain_StopsWhileUnreachable(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.w.Set(false)
	e.be.script(&backend.Error{Kind: backend.KindRetryable, Msg: "no route"})

	d, err := e.st.CreateDocument("offline", "")
	require.NoError(t, err)

	e.eng.Drain(context.Background())

	// one failed attempt, then the drain yields until reachability returns
	require.Equal(t, []string{"createDocument"}, e.be.callOps())
	require.Equal(t, 1, e.st.QueueLen())
	got, err := e.st.GetDocument(d.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatePendingCreate, got.SyncState)
	require.Contains(t, got.LastSyncError, "no route")
}

func TestDrain_OfflineFailuresDoNotSpendRetryBudget(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.eng.maxAttempts = 2
	e.w.Set(false)
	e.be.script(
		&backend.Error{Kind: backend.KindRetryable, Msg: "no route"},
		&backend.Error{Kind: backend.KindRetryable, Msg: "no route"},
	)

	d, err := e.st.CreateDocument("patient", "")
	require.NoError(t, err)

	// failures while unreachable must not count toward giving up
	e.eng.Drain(context.Background())
	e.eng.Drain(context.Background())
	require.Len(t, e.be.callOps(), 2)

	e.w.Set(true)
	e.be.script(&backend.Error{Kind: backend.KindRetryable, Msg: "503"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.eng.Drain(context.Background())
	}()
	require.Eventually(t, func() bool { return e.clk.Waiters() >= 1 }, time.Second, time.Millisecond)
	e.clk.Advance(2 * time.Second)
	<-done

	// one reachable failure plus the earlier offline ones is still
	// within limits, so the retry lands instead of going terminal
	got, err := e.st.GetDocument(d.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateSynced, got.SyncState)
	require.Zero(t, e.st.QueueLen())
}

func TestDrain_ConcurrentDrainsKeepFolderFirst(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	f, err := e.st.CreateFolder("inbox", "")
	require.NoError(t, err)
	_, err = e.st.CreateDocument("letter", f.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.eng.Drain(context.Background())
		}()
	}
	wg.Wait()

	require.Equal(t, []string{"createFolder", "createDocument"}, e.be.callOps())
	gotF, err := e.st.GetFolder(f.ID)
	require.NoError(t, err)
	require.Equal(t, gotF.RemoteID, e.be.call(1).doc.FolderID)
}

func TestDrain_FolderSyncsBeforeItsDocuments(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	f, err := e.st.CreateFolder("inbox", "")
	require.NoError(t, err)
	d, err := e.st.CreateDocument("letter", f.ID)
	require.NoError(t, err)

	e.eng.Drain(context.Background())

	require.Equal(t, []string{"createFolder", "createDocument"}, e.be.callOps())

	gotF, err := e.st.GetFolder(f.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateSynced, gotF.SyncState)
	require.Equal(t, gotF.RemoteID, e.be.call(1).doc.FolderID,
		"document create carries the folder's server-assigned id")

	gotD, err := e.st.GetDocument(d.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateSynced, gotD.SyncState)
}

func TestDrain_DeleteOfRemotelyGoneDocumentConfirms(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	d, err := e.st.CreateDocument("stale", "")
	require.NoError(t, err)
	e.eng.Drain(context.Background())

	require.NoError(t, e.st.DeleteDocument(d.ID))
	e.be.script(&backend.Error{Kind: backend.KindNotFound, Msg: "already deleted"})
	e.eng.Drain(context.Background())

	_, err = e.st.GetDocument(d.ID)
	require.Error(t, err)
	require.Zero(t, e.st.QueueLen())
}

func TestEngine_DrainsOnReachableTransition(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.w.Set(false)

	e.eng.Start(context.Background())
	defer e.eng.Stop()

	d, err := e.st.CreateDocument("queued offline", "")
	require.NoError(t, err)

	e.w.Set(true)

	require.Eventually(t, func() bool {
		got, err := e.st.GetDocument(d.ID)
		return err == nil && got.SyncState == model.StateSynced
	}, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, e.st.QueueLen())
}
