// Package queue 持久化的优先级任务队列,多个进程可以共享同一个队列目录。
//
// 队列状态保存在一个追加日志文件里,每次修改都在锁内追上文件的最新内容,
// 然后只追加这次修改的记录。读操作不需要加锁。
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/blingmoon/flowgraph/internal/metrics"
	"github.com/blingmoon/flowgraph/lock"
)

const (
	defaultName           = "queue"
	defaultLockStaleAfter = 30 * time.Second
)

type Options struct {
	// Dir 队列文件和锁文件所在目录
	Dir  string `validate:"required"`
	Name string `validate:"omitempty,excludesall=/"`
	// Locker 为空时使用 Dir 下的文件锁
	Locker lock.Locker
	// LockStaleAfter 锁持有超过这个时间视为持有者已经退出
	LockStaleAfter time.Duration `validate:"gte=0"`
	// Retry 为空时使用 lock.DefaultRetryPolicy
	Retry *lock.RetryPolicy
	// SyncWrites 每次追加和压缩后 fsync,更安全但更慢
	SyncWrites bool
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

type Queue struct {
	path       string
	dir        string
	lockKey    string
	locker     lock.Locker
	staleAfter time.Duration
	retry      lock.RetryPolicy
	syncWrites bool
	metrics    *metrics.Collector
	logger     *slog.Logger

	// 锁内使用的内存状态,offset 是已经读到的位置
	mu     sync.Mutex
	st     *state
	offset int64
	info   os.FileInfo
}

var validate = validator.New()

func Open(opts Options) (*Queue, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, errors.WithMessage(err, "invalid queue options")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create queue dir failed, dir: %s", opts.Dir)
	}
	name := opts.Name
	if name == "" {
		name = defaultName
	}
	q := &Queue{
		path:       filepath.Join(opts.Dir, name+".log"),
		dir:        opts.Dir,
		lockKey:    name,
		locker:     opts.Locker,
		staleAfter: opts.LockStaleAfter,
		syncWrites: opts.SyncWrites,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
	if q.staleAfter == 0 {
		q.staleAfter = defaultLockStaleAfter
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.locker == nil {
		fileLocker, err := lock.NewFileLock(opts.Dir)
		if err != nil {
			return nil, err
		}
		q.locker = fileLocker
	}
	q.retry = lock.DefaultRetryPolicy()
	if opts.Retry != nil {
		q.retry = *opts.Retry
	}
	onRetry := q.retry.OnRetry
	q.retry.OnRetry = func(err error, wait time.Duration) {
		q.metrics.IncLockRetry()
		if onRetry != nil {
			onRetry(err, wait)
		}
	}
	return q, nil
}

func (q *Queue) Path() string {
	return q.path
}

// txn 收集一次修改产生的记录,写入文件之后才应用到内存状态
type txn struct {
	st     *state
	now    time.Time
	seq    int64
	recs   []*record
	staged map[string]*Job
}

func (tx *txn) get(id string) (*Job, bool) {
	if job, ok := tx.staged[id]; ok {
		return job, true
	}
	job, ok := tx.st.jobs[id]
	return job, ok
}

// put job 必须是新的对象,不能是状态里已有的
func (tx *txn) put(job *Job) {
	tx.staged[job.ID] = job
	tx.recs = append(tx.recs, &record{Op: opPut, Job: job})
}

func (tx *txn) del(id string) {
	delete(tx.staged, id)
	tx.recs = append(tx.recs, &record{Op: opDel, ID: id})
}

func (tx *txn) nextSeq() int64 {
	tx.seq++
	return tx.seq
}

// mutate 在锁内追上文件的最新内容、调用 fn、追加 fn 产生的记录。fn 返回错误时什么都不写
func (q *Queue) mutate(ctx context.Context, op string, fn func(tx *txn) error) error {
	start := time.Now()
	err := lock.Synchronized(ctx, q.locker, q.lockKey, q.staleAfter, q.retry, func(ctx context.Context) error {
		q.mu.Lock()
		defer q.mu.Unlock()
		if err := q.loadLocked(); err != nil {
			return err
		}
		tx := &txn{st: q.st, now: time.Now(), seq: q.st.seq, staged: make(map[string]*Job)}
		if err := fn(tx); err != nil {
			return err
		}
		if len(tx.recs) == 0 {
			return nil
		}
		if err := q.appendLocked(tx.recs); err != nil {
			return err
		}
		for _, rec := range tx.recs {
			q.st.apply(rec)
		}
		if q.st.needsCompaction() {
			if err := q.compactLocked(); err != nil {
				// 记录已经写入,压缩下次再做
				q.logger.WarnContext(ctx, "[Queue.mutate] compact failed", "path", q.path, "err", err)
			}
		}
		return nil
	})
	q.metrics.RecordQueueOp(op, time.Since(start), err)
	if err != nil && !errors.Is(err, ErrQueueEmpty) {
		q.logger.WarnContext(ctx, "[Queue.mutate] failed", "op", op, "path", q.path, "err", err)
	}
	return err
}

func (q *Queue) resetLocked() {
	q.st, q.offset, q.info = nil, 0, nil
}

// loadLocked 文件没有被压缩过时只读取其他句柄追加的部分,否则重新读取整个文件
func (q *Queue) loadLocked() error {
	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			q.st, q.offset, q.info = newState(), 0, nil
			return nil
		}
		q.resetLocked()
		return errors.Wrapf(err, "open queue file failed, path: %s", q.path)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		q.resetLocked()
		return errors.Wrapf(err, "stat queue file failed, path: %s", q.path)
	}

	if q.st != nil && q.info != nil && os.SameFile(info, q.info) && info.Size() >= q.offset && q.sameGeneration(f) {
		if info.Size() == q.offset {
			return nil
		}
		if _, err := f.Seek(q.offset, io.SeekStart); err != nil {
			q.resetLocked()
			return errors.Wrapf(err, "seek queue file failed, path: %s", q.path)
		}
		n, err := decodeLog(f, q.st, false)
		if err != nil {
			q.resetLocked()
			return errors.WithMessagef(err, "path: %s", q.path)
		}
		q.offset += n
		return nil
	}

	st := newState()
	n, err := decodeLog(f, st, true)
	if err != nil {
		q.resetLocked()
		return errors.WithMessagef(err, "path: %s", q.path)
	}
	q.st, q.offset, q.info = st, n, info
	return nil
}

// sameGeneration inode 可能被复用,再比较一次文件头
func (q *Queue) sameGeneration(f *os.File) bool {
	if len(q.st.rawHeader) == 0 {
		return false
	}
	buf := make([]byte, len(q.st.rawHeader))
	if _, err := f.ReadAt(buf, 0); err != nil {
		return false
	}
	return bytes.Equal(buf, q.st.rawHeader)
}

// appendLocked 在文件末尾追加记录,文件不存在时先写文件头
func (q *Queue) appendLocked(recs []*record) (err error) {
	if q.info == nil {
		if err := q.compactLocked(); err != nil {
			return err
		}
	}
	buf := bytes.Buffer{}
	for _, rec := range recs {
		if err := appendRecord(&buf, rec); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(q.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		q.resetLocked()
		return errors.Wrapf(err, "open queue file failed, path: %s", q.path)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "close queue file failed, path: %s", q.path)
		}
		if err != nil {
			// 文件里可能有写了一半的记录,下次重新读取
			q.resetLocked()
		}
	}()
	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat queue file failed, path: %s", q.path)
	}
	if info.Size() > q.offset {
		// 上一个写入者留下的半条记录
		if err := f.Truncate(q.offset); err != nil {
			return errors.Wrapf(err, "truncate queue file failed, path: %s", q.path)
		}
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Truncate(q.offset)
		return errors.Wrapf(err, "append queue file failed, path: %s", q.path)
	}
	if q.syncWrites {
		if err := f.Sync(); err != nil {
			return errors.Wrapf(err, "fsync queue file failed, path: %s", q.path)
		}
	}
	q.offset += int64(buf.Len())
	return nil
}

// compactLocked 把存活任务写到临时文件再原子改名,之后内存状态从新文件的内容开始
func (q *Queue) compactLocked() error {
	hdr := header{Generation: uuid.NewString(), Seq: q.st.seq}
	data, headerLen, err := encodeSnapshot(hdr, q.st.jobs)
	if err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(q.dir, "tmp-queue-*.log")
	if err != nil {
		return errors.Wrap(err, "create temp file failed")
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmpFile.Write(data); err != nil {
		return errors.Wrap(err, "write temp file failed")
	}
	if q.syncWrites {
		if err := tmpFile.Sync(); err != nil {
			return errors.Wrap(err, "fsync temp file failed")
		}
	}
	if err := tmpFile.Close(); err != nil {
		return errors.Wrap(err, "close temp file failed")
	}
	if runtime.GOOS == "windows" {
		// windows 上目标存在时不能改名
		_ = os.Remove(q.path)
	}
	if err := os.Rename(tmpPath, q.path); err != nil {
		return errors.Wrapf(err, "rename temp file failed, path: %s", q.path)
	}
	info, err := os.Stat(q.path)
	if err != nil {
		q.resetLocked()
		return errors.Wrapf(err, "stat queue file failed, path: %s", q.path)
	}

	st := newState()
	st.rawHeader = data[:headerLen]
	st.seq = hdr.Seq
	for _, job := range q.st.jobs {
		st.apply(&record{Op: opPut, Job: job})
	}
	q.st, q.offset, q.info = st, int64(len(data)), info
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid json")
		}
		return json.RawMessage(p), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload failed")
	}
	return b, nil
}

// Enqueue 入队,返回新任务
func (q *Queue) Enqueue(ctx context.Context, payload any, priority int) (*Job, error) {
	jobs, err := q.EnqueueBatch(ctx, []EnqueueRequest{{Payload: payload, Priority: priority}})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// EnqueueBatch 在一次加锁里入队多个任务
func (q *Queue) EnqueueBatch(ctx context.Context, reqs []EnqueueRequest) ([]*Job, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	payloads := make([]json.RawMessage, len(reqs))
	for i, req := range reqs {
		p, err := marshalPayload(req.Payload)
		if err != nil {
			return nil, err
		}
		payloads[i] = p
	}
	out := make([]*Job, 0, len(reqs))
	err := q.mutate(ctx, "enqueue", func(tx *txn) error {
		out = out[:0]
		for i, req := range reqs {
			job := &Job{
				ID:        uuid.NewString(),
				Status:    StatusWaiting,
				Priority:  req.Priority,
				Payload:   payloads[i],
				Seq:       tx.nextSeq(),
				CreatedAt: tx.now,
				UpdatedAt: tx.now,
			}
			tx.put(job)
			out = append(out, job.clone())
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "Enqueue failed")
	}
	return out, nil
}

// Claim 把优先级最高的一个 waiting 任务改成 active 并返回,没有任务时返回 ErrQueueEmpty
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	var claimed *Job
	err := q.mutate(ctx, "claim", func(tx *txn) error {
		best := tx.st.nextWaiting()
		if best == nil {
			return ErrQueueEmpty
		}
		job := best.clone()
		now := tx.now
		job.Status = StatusActive
		job.Attempts++
		job.StartedAt = &now
		job.UpdatedAt = now
		tx.put(job)
		claimed = job.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// transition 修改一个任务,只允许从 from 里的状态转换
func (q *Queue) transition(ctx context.Context, op string, id string, from []Status, apply func(job *Job, now time.Time)) (*Job, error) {
	var updated *Job
	err := q.mutate(ctx, op, func(tx *txn) error {
		job, ok := tx.get(id)
		if !ok {
			return errors.WithMessagef(ErrJobNotFound, "id: %s", id)
		}
		allowed := len(from) == 0
		for _, s := range from {
			if job.Status == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return errors.WithMessagef(ErrInvalidTransition, "%s job %s is %s", op, id, job.Status)
		}
		next := job.clone()
		apply(next, tx.now)
		next.UpdatedAt = tx.now
		tx.put(next)
		updated = next.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Complete active -> completed,result 可以为空
func (q *Queue) Complete(ctx context.Context, id string, result any) (*Job, error) {
	raw, err := marshalPayload(result)
	if err != nil {
		return nil, err
	}
	return q.transition(ctx, "complete", id, []Status{StatusActive}, func(job *Job, now time.Time) {
		job.Status = StatusCompleted
		job.Result = raw
		job.Error = ""
		job.CompletedAt = &now
	})
}

// Fail active -> failed,requeue 为 true 时放回 waiting 等待重新 Claim
func (q *Queue) Fail(ctx context.Context, id string, reason string, requeue bool) (*Job, error) {
	return q.transition(ctx, "fail", id, []Status{StatusActive}, func(job *Job, now time.Time) {
		job.Error = reason
		if requeue {
			job.Status = StatusWaiting
			job.StartedAt = nil
			return
		}
		job.Status = StatusFailed
		job.CompletedAt = &now
	})
}

// UpdateStatus 直接修改状态,终止状态的任务不能再修改
func (q *Queue) UpdateStatus(ctx context.Context, id string, status Status) (*Job, error) {
	if !isKnownStatus(status) {
		return nil, errors.WithMessagef(ErrInvalidTransition, "unknown status %s", status)
	}
	return q.transition(ctx, "update_status", id, []Status{StatusWaiting, StatusActive}, func(job *Job, now time.Time) {
		job.Status = status
		if IsOverStatus(status) {
			job.CompletedAt = &now
		}
	})
}

// RecoverStale 把 active 超过 olderThan 的任务放回 waiting,用于处理领取后崩溃的 worker
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	recovered := 0
	err := q.mutate(ctx, "recover", func(tx *txn) error {
		recovered = 0
		for _, job := range tx.st.jobs {
			if job.Status != StatusActive || job.StartedAt == nil || tx.now.Sub(*job.StartedAt) < olderThan {
				continue
			}
			next := job.clone()
			next.Status = StatusWaiting
			next.StartedAt = nil
			next.UpdatedAt = tx.now
			tx.put(next)
			recovered++
		}
		return nil
	})
	return recovered, err
}

// Purge 删除更新时间早于 olderThan 的终止状态任务,文件里的旧记录在下次压缩时去掉
func (q *Queue) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	purged := 0
	err := q.mutate(ctx, "purge", func(tx *txn) error {
		purged = 0
		for id, job := range tx.st.jobs {
			if IsOverStatus(job.Status) && tx.now.Sub(job.UpdatedAt) >= olderThan {
				tx.del(id)
				purged++
			}
		}
		return nil
	})
	return purged, err
}

// Get 读取任务,不加锁
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	st, err := readState(q.path)
	if err != nil {
		return nil, err
	}
	job, ok := st.jobs[id]
	if !ok {
		return nil, errors.WithMessagef(ErrJobNotFound, "id: %s", id)
	}
	return job, nil
}

// List 按出队顺序列出任务,statuses 为空时列出全部
func (q *Queue) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	st, err := readState(q.path)
	if err != nil {
		return nil, err
	}
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	jobs := make([]*Job, 0, len(st.jobs))
	for _, job := range st.jobs {
		if len(want) == 0 || want[job.Status] {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].before(jobs[j]) })
	return jobs, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st, err := readState(q.path)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{}
	for _, job := range st.jobs {
		switch job.Status {
		case StatusWaiting:
			stats.Waiting++
		case StatusActive:
			stats.Active++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}
