package socket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultPollInterval 检查中止标志的默认间隔
const DefaultPollInterval = 50 * time.Millisecond

// ErrBadDescriptor 描述符无效或已被关闭
var ErrBadDescriptor = errors.New("bad file descriptor")

// Readiness 等待结果
type Readiness int

const (
	Ready    Readiness = iota // 可读/可写
	TimedOut                  // 截止时间已过
	Aborted                   // 调用方取消了 ctx
	Errored                   // 底层就绪原语报告错误
)

func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case TimedOut:
		return "timeout"
	case Aborted:
		return "aborted"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// WaitResult 多描述符等待的结果，Readable/Writable 为就绪的描述符
type WaitResult struct {
	Readiness Readiness
	Readable  ReadinessSet
	Writable  ReadinessSet
}

// WaitForReadable 阻塞直到 fd 可读、截止时间到达、ctx 被取消或 poll 出错。
// ctx 充当中止标志，每个 pollInterval 至少检查一次，本函数从不取消它。
// 零值 deadline 表示无限等待（仍检查中止）。
// 同一次 poll 中同时观察到就绪和中止时，返回 Ready。
func WaitForReadable(ctx context.Context, fd int, deadline time.Time, pollInterval time.Duration) (Readiness, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	return poll(ctx, fds, deadline, pollInterval)
}

// WaitForWritable 同 WaitForReadable，等待可写
func WaitForWritable(ctx context.Context, fd int, deadline time.Time, pollInterval time.Duration) (Readiness, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	return poll(ctx, fds, deadline, pollInterval)
}

// WaitForAny 等待 read 或 write 集合中任一描述符就绪
func WaitForAny(ctx context.Context, read, write *ReadinessSet, deadline time.Time, pollInterval time.Duration) (WaitResult, error) {
	index := make(map[int]int)
	var fds []unix.PollFd
	add := func(set *ReadinessSet, events int16) {
		if set == nil {
			return
		}
		for _, fd := range set.Members() {
			if i, ok := index[fd]; ok {
				fds[i].Events |= events
				continue
			}
			index[fd] = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
		}
	}
	add(read, unix.POLLIN)
	add(write, unix.POLLOUT)

	var res WaitResult
	r, err := poll(ctx, fds, deadline, pollInterval)
	res.Readiness = r
	if r != Ready {
		return res, err
	}
	for _, p := range fds {
		hup := p.Revents&(unix.POLLHUP|unix.POLLERR) != 0
		if p.Events&unix.POLLIN != 0 && (p.Revents&unix.POLLIN != 0 || hup) {
			res.Readable.Add(int(p.Fd))
		}
		if p.Events&unix.POLLOUT != 0 && (p.Revents&unix.POLLOUT != 0 || hup) {
			res.Writable.Add(int(p.Fd))
		}
	}
	return res, nil
}

func poll(ctx context.Context, fds []unix.PollFd, deadline time.Time, interval time.Duration) (Readiness, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for {
		slice := interval
		if ctx.Err() != nil {
			slice = 0
		}
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining < slice {
				slice = max(remaining, 0)
			}
		}

		for i := range fds {
			fds[i].Revents = 0
		}
		n, err := unix.Poll(fds, timeoutMillis(slice))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return Errored, fmt.Errorf("poll: %w", err)
		}
		if n > 0 {
			for _, p := range fds {
				if p.Revents&unix.POLLNVAL != 0 {
					return Errored, fmt.Errorf("%w: fd %d", ErrBadDescriptor, p.Fd)
				}
			}
			return Ready, nil
		}

		if ctx.Err() != nil {
			return Aborted, nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return TimedOut, nil
		}
	}
}

// timeoutMillis 向上取整到毫秒，避免 1ms 以内的剩余时间变成忙等
func timeoutMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
