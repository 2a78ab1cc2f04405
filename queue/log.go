package queue

import (
	"bufio"
	"bytes"
	"container/heap"
	"encoding/json"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// 队列文件是一行一条 JSON 的追加日志:
//
//	{"generation":"<uuid>","seq":12}      文件头,每次压缩生成新的 generation
//	{"op":"put","job":{...}}              任务的最新内容
//	{"op":"del","id":"..."}               任务被清理
//
// 修改只在末尾追加记录。记录数明显多于存活任务时,在锁内把存活任务写成新文件再原子改名。
// 末尾没有换行的半条记录是写入中途退出留下的,读取时忽略,下一次写入前截掉。

const (
	opPut = "put"
	opDel = "del"

	compactMinRecords = 1024
)

type header struct {
	Generation string `json:"generation"`
	Seq        int64  `json:"seq"`
}

type record struct {
	Op  string `json:"op"`
	Job *Job   `json:"job,omitempty"`
	ID  string `json:"id,omitempty"`
}

// state 回放日志得到的队列内容。jobs 里的任务不会原地修改,每次修改都替换成新的对象
type state struct {
	rawHeader []byte
	seq       int64
	jobs      map[string]*Job
	waiting   waitingHeap
	// records 文件头之后的记录数
	records int
}

func newState() *state {
	return &state{jobs: make(map[string]*Job)}
}

func (st *state) apply(rec *record) {
	st.records++
	switch rec.Op {
	case opPut:
		job := rec.Job
		if job == nil || job.ID == "" {
			return
		}
		st.jobs[job.ID] = job
		if job.Seq > st.seq {
			st.seq = job.Seq
		}
		if job.Status == StatusWaiting {
			heap.Push(&st.waiting, job)
		}
	case opDel:
		delete(st.jobs, rec.ID)
	}
}

// nextWaiting 返回优先级最高的 waiting 任务,顺便丢掉堆里已经过期的条目
func (st *state) nextWaiting() *Job {
	for st.waiting.Len() > 0 {
		top := st.waiting[0]
		if cur, ok := st.jobs[top.ID]; ok && cur == top && top.Status == StatusWaiting {
			return top
		}
		heap.Pop(&st.waiting)
	}
	return nil
}

func (st *state) needsCompaction() bool {
	return st.records > compactMinRecords && st.records > 2*len(st.jobs)
}

// waitingHeap 按 Job.before 排序的小顶堆
type waitingHeap []*Job

func (h waitingHeap) Len() int           { return len(h) }
func (h waitingHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h waitingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *waitingHeap) Push(x any) {
	*h = append(*h, x.(*Job))
}

func (h *waitingHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// decodeLog 读取 r 里的完整行并应用到 st,返回读取的完整行的字节数。
// withHeader 为 true 时第一行是文件头
func decodeLog(r io.Reader, st *state, withHeader bool) (int64, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	var n int64
	for {
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrap(err, "read queue file failed")
		}
		if withHeader {
			hdr := header{}
			if err := json.Unmarshal(line, &hdr); err != nil {
				return n, errors.Wrap(err, "decode queue header failed")
			}
			st.rawHeader = line
			if hdr.Seq > st.seq {
				st.seq = hdr.Seq
			}
			withHeader = false
			n += int64(len(line))
			continue
		}
		rec := record{}
		if err := json.Unmarshal(line, &rec); err != nil {
			return n, errors.Wrapf(err, "decode queue record failed, offset: %d", n)
		}
		st.apply(&rec)
		n += int64(len(line))
	}
}

// readState 不加锁读取整个队列文件
func readState(path string) (*state, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return nil, errors.Wrapf(err, "open queue file failed, path: %s", path)
	}
	defer f.Close()
	st := newState()
	if _, err := decodeLog(f, st, true); err != nil {
		return nil, errors.WithMessagef(err, "path: %s", path)
	}
	return st, nil
}

// encodeSnapshot 文件头加上每个存活任务一条 put 记录
func encodeSnapshot(hdr header, jobs map[string]*Job) ([]byte, int, error) {
	live := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		live = append(live, job)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Seq < live[j].Seq })

	buf := bytes.Buffer{}
	b, err := json.Marshal(hdr)
	if err != nil {
		return nil, 0, errors.Wrap(err, "encode queue header failed")
	}
	buf.Write(b)
	buf.WriteByte('\n')
	headerLen := buf.Len()
	for _, job := range live {
		if err := appendRecord(&buf, &record{Op: opPut, Job: job}); err != nil {
			return nil, 0, err
		}
	}
	return buf.Bytes(), headerLen, nil
}

func appendRecord(buf *bytes.Buffer, rec *record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "encode queue record failed, op: %s", rec.Op)
	}
	buf.Write(b)
	buf.WriteByte('\n')
	return nil
}
