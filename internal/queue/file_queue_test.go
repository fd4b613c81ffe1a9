package queue

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newQueue(t *testing.T) (*FileQueue, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	q, err := New(Config{Dir: t.TempDir(), LeaseTTL: time.Minute, Now: clk.Now})
	require.NoError(t, err)
	return q, clk
}

func TestEnqueue_Idempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "acme", "job_1"))
	require.NoError(t, q.Enqueue(ctx, "acme", "job_1"))

	recs, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StateQueued, recs[0].State)
	assert.Equal(t, "acme", recs[0].TenantID)
}

func TestEnqueue_RejectsSameIDFromOtherTenant(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "acme", "job_1"))
	assert.ErrorIs(t, q.Enqueue(ctx, "globex", "job_1"), ErrTenantMismatch)

	// Запись в аренде тоже защищена
	_, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.ErrorIs(t, q.Enqueue(ctx, "globex", "job_1"), ErrTenantMismatch)

	recs, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "acme", recs[0].TenantID)
	assert.Equal(t, StateClaimed, recs[0].State)
}

func TestClaim_FIFO(t *testing.T) {
	ctx := context.Background()
	q, clk := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "acme", "job_b"))
	clk.Advance(time.Second)
	require.NoError(t, q.Enqueue(ctx, "acme", "job_a"))

	first, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "job_b", first.JobID)
	assert.Equal(t, "acme", first.TenantID)
	assert.NotEmpty(t, first.ClaimID)
	assert.Equal(t, clk.Now().Add(time.Minute), first.LeaseExpiresAt)

	second, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, "job_a", second.JobID)

	_, err = q.Claim(ctx, "w3")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestAck_RemovesRecord(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "acme", "job_1"))
	claim, err := q.Claim(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, claim))

	recs, err := q.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	assert.ErrorIs(t, q.Ack(ctx, claim), ErrClaimLost)
}

func TestRelease_ReturnsToQueue(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "acme", "job_1"))
	claim, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, claim))

	again, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, "job_1", again.JobID)
	assert.NotEqual(t, claim.ClaimID, again.ClaimID)

	recs, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StateClaimed, recs[0].State)
	assert.Equal(t, 2, recs[0].LeaseEpoch)
}

func TestRelease_MovesBehindWaitingJobs(t *testing.T) {
	ctx := context.Background()
	q, clk := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "acme", "job_stuck"))
	clk.Advance(time.Second)
	require.NoError(t, q.Enqueue(ctx, "acme", "job_ready"))

	stuck, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "job_stuck", stuck.JobID)

	clk.Advance(time.Second)
	require.NoError(t, q.Release(ctx, stuck))

	next, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "job_ready", next.JobID)

	last, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "job_stuck", last.JobID)
}

func TestClaim_ExpiredLeaseIsRequeued(t *testing.T) {
	ctx := context.Background()
	q, clk := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "acme", "job_1"))
	stale, err := q.Claim(ctx, "w1")
	require.NoError(t, err)

	// Аренда ещё действует
	_, err = q.Claim(ctx, "w2")
	require.ErrorIs(t, err, ErrEmpty)

	clk.Advance(2 * time.Minute)

	fresh, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, "job_1", fresh.JobID)
	assert.Equal(t, "w2", fresh.WorkerID)

	// Старый владелец потерял аренду
	assert.ErrorIs(t, q.Ack(ctx, stale), ErrClaimLost)
	assert.ErrorIs(t, q.Renew(ctx, stale), ErrClaimLost)
	require.NoError(t, q.Ack(ctx, fresh))
}

func TestRenew_ExtendsLease(t *testing.T) {
	ctx := context.Background()
	q, clk := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "acme", "job_1"))
	claim, err := q.Claim(ctx, "w1")
	require.NoError(t, err)

	clk.Advance(50 * time.Second)
	require.NoError(t, q.Renew(ctx, claim))
	clk.Advance(50 * time.Second)

	_, err = q.Claim(ctx, "w2")
	assert.ErrorIs(t, err, ErrEmpty)
	require.NoError(t, q.Ack(ctx, claim))
}

func TestClaim_ConcurrentClaimersGetDistinctJobs(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	const jobs = 10
	for i := 0; i < jobs; i++ {
		require.NoError(t, q.Enqueue(ctx, "acme", "job_"+string(rune('a'+i))))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claim, err := q.Claim(ctx, "w")
				if err != nil {
					return
				}
				mu.Lock()
				seen[claim.JobID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestClaim_SkipsJobAlreadyClaimed(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "acme", "job_1"))
	claim, err := q.Claim(ctx, "w1")
	require.NoError(t, err)

	// Повторная постановка, пока job в аренде
	require.NoError(t, q.Enqueue(ctx, "acme", "job_1"))
	_, err = q.Claim(ctx, "w2")
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, q.Ack(ctx, claim))
	next, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, "job_1", next.JobID)
}

func TestClaim_IgnoresTempFiles(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, os.WriteFile(filepath.Join(q.dir, queuedDir, ".tmp-123"), []byte("{"), 0o644))

	_, err := q.Claim(ctx, "w1")
	assert.ErrorIs(t, err, ErrEmpty)
}
