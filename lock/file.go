package lock

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// NewFileLock 文件锁,多个进程共享同一个目录即可互斥。
//
// 锁文件用 O_EXCL 创建,内容是持有者标识。锁文件的修改时间早于
// maxLockTimeDuration 的,视为持有者已经退出,可以被回收。
func NewFileLock(dir string) (Locker, error) {
	if dir == "" {
		return nil, errors.New("lock dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "NewFileLock mkdir failed, dir: %s", dir)
	}
	return &fileLock{dir: dir}, nil
}

type fileLock struct {
	dir string
}

func (l *fileLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if held(ctx, key) {
		return f(ctx)
	}
	path := l.path(key)
	value := randomValue()
	ok, err := l.tryAcquire(path, value, maxLockTimeDuration)
	if err != nil {
		return errors.WithMessagef(err, "[fileLock.NonBlockingSynchronized] acquire failed, path: %s", path)
	}
	if !ok {
		return errors.WithMessage(ErrLockFailed, "[fileLock.NonBlockingSynchronized] has been locked")
	}
	defer l.release(path, value)
	return f(withHolder(ctx, key, value))
}

func (l *fileLock) path(key string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(key)
	return filepath.Join(l.dir, name+".lock")
}

func (l *fileLock) create(path string, value string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	_, writeErr := f.WriteString(value)
	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if writeErr != nil {
			return false, writeErr
		}
		return false, closeErr
	}
	return true, nil
}

func (l *fileLock) tryAcquire(path string, value string, staleAfter time.Duration) (bool, error) {
	ok, err := l.create(path, value)
	if err != nil || ok {
		return ok, err
	}
	if staleAfter <= 0 {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		// 持有者刚好释放,交给调用方重试
		return false, nil
	}
	if time.Since(info.ModTime()) < staleAfter {
		return false, nil
	}
	if !l.reclaim(path, path+".stale."+value, info, staleAfter) {
		return false, nil
	}
	slog.Warn("[fileLock.tryAcquire] reclaimed stale lock", "path", path, "age", time.Since(info.ModTime()).String())
	return l.create(path, value)
}

// reclaim 把判定为过期的锁文件改名移走。
// 改名之后确认移走的还是 seen 那个文件并且仍然过期,
// 否则说明别的回收者已经抢先回收并创建了新锁,把它放回原处
func (l *fileLock) reclaim(path string, tomb string, seen os.FileInfo, staleAfter time.Duration) bool {
	if err := os.Rename(path, tomb); err != nil {
		return false
	}
	moved, err := os.Stat(tomb)
	if err == nil && os.SameFile(seen, moved) && time.Since(moved.ModTime()) >= staleAfter {
		_ = os.Remove(tomb)
		return true
	}
	// Link 在目标已经存在时失败,不会覆盖更新的锁
	if err := os.Link(tomb, path); err != nil {
		slog.Warn("[fileLock.reclaim] restore lock failed", "path", path, "err", err)
	}
	_ = os.Remove(tomb)
	return false
}

func (l *fileLock) release(path string, value string) {
	content, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("[fileLock.release] read lock file failed", "path", path, "err", err)
		return
	}
	if string(content) != value {
		// 锁已过期被回收,不能删除别人的锁
		slog.Warn("[fileLock.release] value mismatch", "path", path)
		return
	}
	if err := os.Remove(path); err != nil {
		slog.Error("[fileLock.release] remove lock file failed", "path", path, "err", err)
	}
}
