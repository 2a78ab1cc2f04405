package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedJobs 在一次加锁里写入 n 个指定状态的任务
func seedJobs(t testing.TB, q *Queue, status Status, n int) {
	err := q.mutate(context.Background(), "seed", func(tx *txn) error {
		for i := 0; i < n; i++ {
			now := tx.now
			job := &Job{
				ID:        uuid.NewString(),
				Status:    status,
				Payload:   json.RawMessage(`{"node_id":"seed"}`),
				Seq:       tx.nextSeq(),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if IsOverStatus(status) {
				job.Attempts = 1
				job.CompletedAt = &now
			}
			tx.put(job)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestQueue_Compaction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := openTestQueue(t, dir)
	b := openTestQueue(t, dir)

	seedJobs(t, a, StatusCompleted, 2000)
	waiting, err := b.Enqueue(ctx, testPayload{NodeID: "left"}, 0)
	require.NoError(t, err)
	before, err := os.Stat(a.Path())
	require.NoError(t, err)
	oldHeader := append([]byte(nil), b.st.rawHeader...)

	n, err := a.Purge(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2000, n)

	after, err := os.Stat(a.Path())
	require.NoError(t, err)
	assert.Less(t, after.Size(), before.Size()/10, "清理之后文件被压缩")
	assert.Equal(t, 1, a.st.records)
	assert.NotEqual(t, oldHeader, a.st.rawHeader)

	t.Run("另一个句柄读到压缩后的文件", func(t *testing.T) {
		job, err := b.Claim(ctx)
		require.NoError(t, err)
		assert.Equal(t, waiting.ID, job.ID)
		assert.Equal(t, a.st.rawHeader, b.st.rawHeader)

		_, err = a.Claim(ctx)
		assert.True(t, errors.Is(err, ErrQueueEmpty))
	})

	t.Run("新任务的顺序号继续增长", func(t *testing.T) {
		job, err := a.Enqueue(ctx, testPayload{NodeID: "next"}, 0)
		require.NoError(t, err)
		assert.Greater(t, job.Seq, waiting.Seq)
	})

	t.Run("重新打开", func(t *testing.T) {
		stats, err := openTestQueue(t, dir).Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Waiting: 1, Active: 1}, stats)
	})
}

func TestQueue_TornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	q := openTestQueue(t, dir)
	first, err := q.Enqueue(ctx, testPayload{NodeID: "first"}, 0)
	require.NoError(t, err)

	// 写入中途退出留下没有换行的半条记录
	f, err := os.OpenFile(q.Path(), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"op":"put","job":{"id":"torn","sta`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Waiting: 1}, stats, "读取时忽略半条记录")

	other := openTestQueue(t, dir)
	second, err := other.Enqueue(ctx, testPayload{NodeID: "second"}, 0)
	require.NoError(t, err)

	jobs, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2, "半条记录被截掉,后面的记录可以正常读取")
	assert.Equal(t, []string{first.ID, second.ID}, []string{jobs[0].ID, jobs[1].ID})

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
}

func TestState_NextWaiting(t *testing.T) {
	st := newState()
	put := func(id string, status Status, priority int, seq int64) {
		st.apply(&record{Op: opPut, Job: &Job{ID: id, Status: status, Priority: priority, Seq: seq}})
	}
	put("a", StatusWaiting, 0, 1)
	put("b", StatusWaiting, 5, 2)
	put("c", StatusWaiting, 5, 3)
	require.Equal(t, "b", st.nextWaiting().ID)

	put("b", StatusActive, 5, 2)
	assert.Equal(t, "c", st.nextWaiting().ID, "已经领取的任务跳过")

	st.apply(&record{Op: opDel, ID: "c"})
	assert.Equal(t, "a", st.nextWaiting().ID)

	put("b", StatusWaiting, 5, 2)
	assert.Equal(t, "b", st.nextWaiting().ID, "重新入队的任务回到堆里")

	put("a", StatusCompleted, 0, 1)
	put("b", StatusCancelled, 5, 2)
	assert.Nil(t, st.nextWaiting())
	assert.Equal(t, 0, st.waiting.Len())
}
