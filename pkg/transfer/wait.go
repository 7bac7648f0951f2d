package transfer

import (
	"context"
	"time"

	"sockkit/pkg/socket"
)

// waitFunc 等待单个描述符就绪
type waitFunc func(ctx context.Context, fd int, deadline time.Time, pollInterval time.Duration) (socket.Readiness, error)

// WaitReadable 等待 ch 可读。每个 pollInterval 重新读取一次描述符，
// 等待期间通道被关闭时返回 socket.Errored 和 ErrChannelClosed
func WaitReadable(ctx context.Context, ch Channel, deadline time.Time, pollInterval time.Duration) (socket.Readiness, error) {
	return waitChannel(ctx, ch, deadline, pollInterval, socket.WaitForReadable)
}

// WaitWritable 同 WaitReadable，等待可写
func WaitWritable(ctx context.Context, ch Channel, deadline time.Time, pollInterval time.Duration) (socket.Readiness, error) {
	return waitChannel(ctx, ch, deadline, pollInterval, socket.WaitForWritable)
}

func waitChannel(ctx context.Context, ch Channel, deadline time.Time, pollInterval time.Duration, wait waitFunc) (socket.Readiness, error) {
	if pollInterval <= 0 {
		pollInterval = socket.DefaultPollInterval
	}
	for {
		fd := ch.Fd()
		if fd < 0 {
			return socket.Errored, ErrChannelClosed
		}
		until := time.Now().Add(pollInterval)
		last := !deadline.IsZero() && !until.Before(deadline)
		if last {
			until = deadline
		}

		r, err := wait(ctx, fd, until, pollInterval)
		if r == socket.Errored && ch.Fd() < 0 {
			return socket.Errored, ErrChannelClosed
		}
		if r != socket.TimedOut || last {
			return r, err
		}
	}
}
