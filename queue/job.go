package queue

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrQueueEmpty        = errors.New("no waiting job")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

type Status = string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed" // 终止状态
	StatusFailed    Status = "failed"    // 终止状态
	StatusCancelled Status = "cancelled" // 终止状态
)

func IsOverStatus(status Status) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

func isKnownStatus(status Status) bool {
	switch status {
	case StatusWaiting, StatusActive, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Job struct {
	ID       string          `json:"id"`
	Status   Status          `json:"status"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	// Attempts 被 Claim 的次数
	Attempts int `json:"attempts"`
	// Seq 入队顺序,同优先级先进先出
	Seq         int64      `json:"seq"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DecodePayload 把 payload 反序列化到 v
func (j *Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return errors.Errorf("job %s has no payload", j.ID)
	}
	return errors.WithMessagef(json.Unmarshal(j.Payload, v), "decode payload failed, job: %s", j.ID)
}

func (j *Job) clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// before 优先级高的在前,同优先级按入队顺序
func (j *Job) before(other *Job) bool {
	if j.Priority != other.Priority {
		return j.Priority > other.Priority
	}
	return j.Seq < other.Seq
}

type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func (s Stats) Total() int {
	return s.Waiting + s.Active + s.Completed + s.Failed + s.Cancelled
}

// EnqueueRequest 批量入队的单个请求
type EnqueueRequest struct {
	Payload  any
	Priority int
}
