package commonregister

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/blingmoon/flowgraph/workflow"
)

// EchoBackend 把 prompt 原样作为响应,没有配置后端时使用
func EchoBackend() workflow.Backend {
	return workflow.BackendFunc(func(ctx context.Context, prompt string, opts *workflow.InvokeOptions) (*workflow.Invocation, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sessionID := opts.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		return &workflow.Invocation{Response: prompt, SessionID: sessionID}, nil
	})
}

// CommandBackend 每次调用启动一个进程,prompt 写到标准输入,标准输出作为响应。
// 复用 session 时通过环境变量 FLOWGRAPH_SESSION_ID 传给进程
type CommandBackend struct {
	Name string
	Args []string
}

func NewCommandBackend(command []string) (*CommandBackend, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, errors.New("backend command is empty")
	}
	return &CommandBackend{Name: command[0], Args: command[1:]}, nil
}

func (b *CommandBackend) Invoke(ctx context.Context, prompt string, opts *workflow.InvokeOptions) (*workflow.Invocation, error) {
	cmd := exec.CommandContext(ctx, b.Name, b.Args...)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	cmd.Env = append(cmd.Environ(), "FLOWGRAPH_SESSION_ID="+sessionID)

	if err := cmd.Run(); err != nil {
		switch {
		case errors.Is(context.Cause(ctx), workflow.ErrBackendTimeout), errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, errors.WithMessagef(workflow.ErrBackendTimeout, "command %s", b.Name)
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, errors.WithMessagef(workflow.ErrBackendCancelled, "command %s", b.Name)
		}
		return nil, errors.WithMessagef(workflow.ErrBackendProcess, "command %s: %v: %s", b.Name, err, strings.TrimSpace(stderr.String()))
	}
	return &workflow.Invocation{Response: strings.TrimSpace(stdout.String()), SessionID: sessionID}, nil
}
