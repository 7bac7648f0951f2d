package transfer

import (
	"context"
	"errors"
	"io"
	"time"

	"sockkit/pkg/socket"
)

// Receiver 接收循环的回调，返回 false 的回调结束循环
type Receiver interface {
	// ReceiverData 每读到一块数据调用一次，p 仅在调用期间有效
	ReceiverData(p []byte) bool
	// ReceiverLoop 每个空闲的循环周期调用一次
	ReceiverLoop() bool
	// ReceiverClosed 对端关闭连接
	ReceiverClosed()
	// ReceiverError 读取或等待出错
	ReceiverError(err error)
}

// ReceiverLoop 持续读取 ch 并把数据交给 r，直到回调要求停止、对端关闭、出错或 ctx 取消。
// loopDuration 为每次等待的最长时间，超时后调用 r.ReceiverLoop。
func ReceiverLoop(ctx context.Context, ch Channel, loopDuration time.Duration, r Receiver, opts ...Option) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	o := buildOptions(opts)
	if loopDuration <= 0 {
		loopDuration = time.Second
	}
	buf := make([]byte, o.bufferSize)

	for {
		n, err := ch.ReadAvailable(buf)
		if n > 0 {
			if o.activity != nil {
				o.activity()
			}
			if !r.ReceiverData(buf[:n]) {
				return Ready
			}
		}
		switch {
		case err == nil && n > 0:
			continue
		case err == nil, errors.Is(err, ErrWouldBlock):
		case errors.Is(err, io.EOF):
			r.ReceiverClosed()
			return Closed
		default:
			r.ReceiverError(err)
			return Error
		}

		res, werr := WaitReadable(ctx, ch, time.Now().Add(loopDuration), o.pollInterval)
		switch res {
		case socket.Ready:
		case socket.TimedOut:
			if !r.ReceiverLoop() {
				return Timeout
			}
		case socket.Aborted:
			return Aborted
		default:
			r.ReceiverError(werr)
			return Error
		}
	}
}
