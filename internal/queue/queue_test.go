package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"scanbox/internal/model"
)

func docMutation(id string, op model.Op) *model.Mutation {
	return &model.Mutation{TargetType: model.TargetDocument, TargetID: id, Op: op}
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	t.Parallel()
	q := New()

	s1 := q.Append(docMutation("d1", model.OpCreate))
	s2 := q.Append(docMutation("d2", model.OpCreate))
	require.Equal(t, int64(1), s1)
	require.Equal(t, int64(2), s2)
	require.Equal(t, int64(3), q.NextSeq())
	require.Equal(t, 2, q.Len())
}

func TestClaimSerializesPerTarget(t *testing.T) {
	t.Parallel()
	q := New()
	q.Append(docMutation("d1", model.OpCreate))

	m, _, ok := q.Claim(model.TargetDocument, "d1")
	require.True(t, ok)
	require.Equal(t, model.MutInFlight, m.State)

	// second claim for the same target is gated
	_, _, ok = q.Claim(model.TargetDocument, "d1")
	require.False(t, ok)
	require.True(t, q.HasInFlight(model.TargetDocument, "d1"))

	// other targets stay independent
	q.Append(docMutation("d2", model.OpCreate))
	_, _, ok = q.Claim(model.TargetDocument, "d2")
	require.True(t, ok)
}

func TestClaimCoalescesUpdates(t *testing.T) {
	t.Parallel()
	q := New()

	m1 := docMutation("d1", model.OpUpdate)
	m1.ReleaseKeys = []string{"blob-a"}
	m1.LocalRevision = 2
	q.Append(m1)

	m2 := docMutation("d1", model.OpUpdate)
	m2.LocalRevision = 3
	seq2 := q.Append(m2)

	got, superseded, ok := q.Claim(model.TargetDocument, "d1")
	require.True(t, ok)
	require.Equal(t, seq2, got.Seq, "newest update wins")
	require.Equal(t, int64(3), got.LocalRevision)
	require.Equal(t, []string{"blob-a"}, got.ReleaseKeys, "superseded release keys folded in")
	require.Equal(t, []int64{got.Seq - 1}, superseded)
	require.Equal(t, 1, q.Len(), "superseded entries dropped")
}

func TestClaimDeleteWins(t *testing.T) {
	t.Parallel()
	q := New()

	q.Append(docMutation("d1", model.OpUpdate))
	del := docMutation("d1", model.OpDelete)
	delSeq := q.Append(del)
	q.Append(docMutation("d1", model.OpUpdate))

	got, superseded, ok := q.Claim(model.TargetDocument, "d1")
	require.True(t, ok)
	require.Equal(t, delSeq, got.Seq)
	require.Equal(t, model.OpDelete, got.Op)
	require.Len(t, superseded, 2)
	require.Equal(t, 1, q.Len())
}

func TestClaimCreateAbsorbsLaterUpdates(t *testing.T) {
	t.Parallel()
	q := New()

	createSeq := q.Append(docMutation("d1", model.OpCreate))
	upd := docMutation("d1", model.OpUpdate)
	upd.ReleaseKeys = []string{"old-page"}
	q.Append(upd)

	got, superseded, ok := q.Claim(model.TargetDocument, "d1")
	require.True(t, ok)
	require.Equal(t, createSeq, got.Seq)
	require.Equal(t, model.OpCreate, got.Op)
	require.Equal(t, []string{"old-page"}, got.ReleaseKeys)
	require.Len(t, superseded, 1)
}

func TestConfirmRemovesEntry(t *testing.T) {
	t.Parallel()
	q := New()
	q.Append(docMutation("d1", model.OpCreate))

	m, _, _ := q.Claim(model.TargetDocument, "d1")
	got, ok := q.Confirm(m.Seq)
	require.True(t, ok)
	require.Equal(t, model.MutConfirmed, got.State)
	require.Equal(t, 0, q.Len())
	require.False(t, q.HasInFlight(model.TargetDocument, "d1"))

	// a confirm for an unknown seq is rejected
	_, ok = q.Confirm(99)
	require.False(t, ok)
}

func TestReleaseRequeuesWithAttemptBookkeeping(t *testing.T) {
	t.Parallel()
	q := New()
	q.Append(docMutation("d1", model.OpCreate))

	m, _, _ := q.Claim(model.TargetDocument, "d1")
	got, ok := q.Release(m.Seq, "connection refused", true)
	require.True(t, ok)
	require.Equal(t, model.MutQueued, got.State)
	require.Equal(t, 1, got.AttemptCount)
	require.Equal(t, "connection refused", got.LastError)

	// claimable again after release
	again, _, ok := q.Claim(model.TargetDocument, "d1")
	require.True(t, ok)
	require.Equal(t, m.Seq, again.Seq)
	require.Equal(t, 1, again.AttemptCount)

	// an uncounted release records the error but not the attempt
	got, ok = q.Release(again.Seq, "no route to host", false)
	require.True(t, ok)
	require.Equal(t, 1, got.AttemptCount)
	require.Equal(t, "no route to host", got.LastError)
}

func TestTerminateLeavesAutoRetryQueue(t *testing.T) {
	t.Parallel()
	q := New()
	q.Append(docMutation("d1", model.OpUpdate))

	m, _, _ := q.Claim(model.TargetDocument, "d1")
	got, ok := q.Terminate(m.Seq, "validation: empty name")
	require.True(t, ok)
	require.Equal(t, model.MutFailedTerminal, got.State)
	require.Equal(t, 0, q.Len())
	require.False(t, q.HasPending(model.TargetDocument, "d1"))
}

func TestCancelTargetCollapsesUnsentCreate(t *testing.T) {
	t.Parallel()
	q := New()

	c := docMutation("d1", model.OpCreate)
	c.ReleaseKeys = []string{"k1"}
	q.Append(c)
	u := docMutation("d1", model.OpUpdate)
	u.ReleaseKeys = []string{"k2"}
	q.Append(u)

	keys, removed, ok := q.CancelTarget(model.TargetDocument, "d1")
	require.True(t, ok)
	require.ElementsMatch(t, []string{"k1", "k2"}, keys)
	require.Len(t, removed, 2)
	require.Equal(t, 0, q.Len())
}

func TestCancelTargetRefusesInFlight(t *testing.T) {
	t.Parallel()
	q := New()
	q.Append(docMutation("d1", model.OpCreate))
	_, _, _ = q.Claim(model.TargetDocument, "d1")

	_, _, ok := q.CancelTarget(model.TargetDocument, "d1")
	require.False(t, ok)
}

func TestPendingTargetsSkipsInFlight(t *testing.T) {
	t.Parallel()
	q := New()
	q.Append(docMutation("d1", model.OpCreate))
	q.Append(docMutation("d2", model.OpCreate))

	_, _, _ = q.Claim(model.TargetDocument, "d1")
	targets := q.PendingTargets()
	require.Len(t, targets, 1)
	require.Equal(t, "d2", targets[0].TargetID)
}

func TestRestoreRevertsInFlightToQueued(t *testing.T) {
	t.Parallel()
	q := New()
	entries := []*model.Mutation{
		{Seq: 4, TargetType: model.TargetDocument, TargetID: "d1", Op: model.OpCreate, State: model.MutInFlight},
		{Seq: 7, TargetType: model.TargetDocument, TargetID: "d2", Op: model.OpUpdate, State: model.MutQueued},
	}
	q.Restore(entries, 0)

	require.Equal(t, int64(8), q.NextSeq())
	m, ok := q.Get(4)
	require.True(t, ok)
	require.Equal(t, model.MutQueued, m.State)

	claimed, _, ok := q.Claim(model.TargetDocument, "d1")
	require.True(t, ok)
	require.Equal(t, int64(4), claimed.Seq)
}

func TestConcurrentClaimsNeverDoubleSend(t *testing.T) {
	t.Parallel()
	q := New()
	q.Append(docMutation("d1", model.OpUpdate))
	q.Append(docMutation("d1", model.OpUpdate))

	var mu sync.Mutex
	var claimed []int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m, _, ok := q.Claim(model.TargetDocument, "d1"); ok {
				mu.Lock()
				claimed = append(claimed, m.Seq)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, claimed, 1, "exactly one concurrent drain wins the claim")
}
