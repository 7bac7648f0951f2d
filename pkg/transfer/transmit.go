package transfer

import (
	"context"
	"errors"
	"os"
	"time"

	"sockkit/pkg/socket"
)

// Transmit 将 data 全部写入 ch，直到完成、超时、ctx 取消或出错。
// 部分写入是正常情况。出错时 Sent 为已确认写入的字节数，是否重发由调用方决定。
func Transmit(ctx context.Context, ch Channel, data []byte, timeout time.Duration, opts ...Option) TransmitResult {
	if ctx == nil {
		ctx = context.Background()
	}
	o := buildOptions(opts)
	if len(data) == 0 {
		if o.progress != nil {
			o.progress(0, 0)
		}
		return TransmitResult{Outcome: Ready}
	}
	deadline := deadlineFor(timeout)
	sent := 0

	for sent < len(data) {
		r, werr := WaitWritable(ctx, ch, deadline, o.pollInterval)
		switch r {
		case socket.Ready:
		case socket.TimedOut:
			return TransmitResult{Outcome: Timeout, Sent: sent}
		case socket.Aborted:
			return TransmitResult{Outcome: Aborted, Sent: sent}
		default:
			return TransmitResult{Outcome: Error, Sent: sent, Err: werr}
		}

		n, err := ch.WriteSome(ctx, data[sent:], deadline)
		if n > 0 {
			sent += n
			if o.activity != nil {
				o.activity()
			}
			if o.progress != nil {
				o.progress(sent, len(data))
			}
		}
		if err == nil || errors.Is(err, ErrWouldBlock) {
			continue
		}
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return TransmitResult{Outcome: Timeout, Sent: sent}
		case errors.Is(err, ErrAborted):
			return TransmitResult{Outcome: Aborted, Sent: sent}
		default:
			return TransmitResult{Outcome: Error, Sent: sent, Err: err}
		}
	}
	return TransmitResult{Outcome: Ready, Sent: sent}
}

// TransmitAll 与 Transmit 行为相同，非 Ready 结果以 *OutcomeError 返回
func TransmitAll(ctx context.Context, ch Channel, data []byte, timeout time.Duration, opts ...Option) (int, error) {
	r := Transmit(ctx, ch, data, timeout, opts...)
	return r.Sent, r.AsError()
}
