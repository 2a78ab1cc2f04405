package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func median(durations []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

func TestQueue_ClaimLatency(t *testing.T) {
	if testing.Short() {
		t.Skip("耗时测试")
	}
	ctx := context.Background()
	cases := []struct {
		name     string
		waiting  int
		retained int
	}{
		{name: "1500个waiting任务", waiting: 1500},
		{name: "保留10000个已完成任务", waiting: 1500, retained: 10000},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			q := openTestQueue(t, t.TempDir())
			seedJobs(t, q, StatusCompleted, c.retained)
			seedJobs(t, q, StatusWaiting, c.waiting)

			const rounds = 200
			claims := make([]time.Duration, 0, rounds)
			completes := make([]time.Duration, 0, rounds)
			for i := 0; i < rounds; i++ {
				start := time.Now()
				job, err := q.Claim(ctx)
				claims = append(claims, time.Since(start))
				require.NoError(t, err)

				start = time.Now()
				_, err = q.Complete(ctx, job.ID, nil)
				completes = append(completes, time.Since(start))
				require.NoError(t, err)
			}
			t.Logf("median claim %s, median complete %s", median(claims), median(completes))
			assert.Less(t, median(claims), time.Millisecond)
			assert.Less(t, median(completes), time.Millisecond)
		})
	}
}

func TestQueue_Throughput(t *testing.T) {
	if testing.Short() {
		t.Skip("耗时测试")
	}
	const (
		workers = 20
		total   = 1500
	)
	ctx := context.Background()
	dir := t.TempDir()
	handles := []*Queue{openTestQueue(t, dir), openTestQueue(t, dir)}
	seedJobs(t, handles[0], StatusCompleted, 5000)
	seedJobs(t, handles[0], StatusWaiting, total)

	var ops, lockErrors atomic.Int64
	start := time.Now()
	wg := sync.WaitGroup{}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			for {
				job, err := q.Claim(ctx)
				if errors.Is(err, ErrQueueEmpty) {
					return
				}
				if err != nil {
					lockErrors.Add(1)
					continue
				}
				ops.Add(1)
				if _, err := q.Complete(ctx, job.ID, nil); err != nil {
					lockErrors.Add(1)
					continue
				}
				ops.Add(1)
			}
		}(handles[w%len(handles)])
	}
	wg.Wait()
	elapsed := time.Since(start)

	perSecond := float64(ops.Load()) / elapsed.Seconds()
	t.Logf("%d ops in %s, %.0f ops/s, lock errors %d", ops.Load(), elapsed, perSecond, lockErrors.Load())
	assert.GreaterOrEqual(t, perSecond, 200.0)

	stats, err := handles[1].Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Waiting)
	assert.Equal(t, 5000+total, stats.Completed+stats.Active)
}

func BenchmarkQueue_ClaimComplete(b *testing.B) {
	ctx := context.Background()
	for _, retained := range []int{0, 10000} {
		b.Run(fmt.Sprintf("retained=%d", retained), func(b *testing.B) {
			q, err := Open(Options{Dir: b.TempDir()})
			require.NoError(b, err)
			seedJobs(b, q, StatusCompleted, retained)
			seedJobs(b, q, StatusWaiting, b.N)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				job, err := q.Claim(ctx)
				if err != nil {
					b.Fatal(err)
				}
				if _, err := q.Complete(ctx, job.ID, nil); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
