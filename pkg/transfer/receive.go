package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"sockkit/pkg/socket"
)

// Receive 从 ch 读取数据直到 end 判定消息完整、对端关闭、超时、ctx 取消或出错。
// timeout 为 0 表示不设截止时间。end 为 nil 时收到任何数据即完成。
//
// 累计缓冲区在多次读取之间不会被重置。对端在消息完整前关闭时返回 Closed，
// Data 中带有已收到的部分数据（Partial 为 true）。
func Receive(ctx context.Context, ch Channel, timeout time.Duration, end EndDetector, opts ...Option) ReceiveResult {
	if ctx == nil {
		ctx = context.Background()
	}
	o := buildOptions(opts)
	deadline := deadlineFor(timeout)
	buf := make([]byte, o.bufferSize)
	var data []byte

	for {
		n, err := ch.ReadAvailable(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			if o.activity != nil {
				o.activity()
			}
			if o.progress != nil {
				o.progress(len(data), 0)
			}
			if o.maxBytes > 0 && len(data) > o.maxBytes {
				return ReceiveResult{Outcome: Error, Data: data, Err: fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), o.maxBytes)}
			}
			if end == nil || end(data) {
				return ReceiveResult{Outcome: Ready, Data: data}
			}
		}

		switch {
		case err == nil && n > 0:
			// 继续读取通道中已缓冲的数据，TLS 记录可能已在套接字之上解码
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return ReceiveResult{Outcome: Timeout, Data: data}
			}
			if ctx.Err() != nil {
				return ReceiveResult{Outcome: Aborted, Data: data}
			}
			continue
		case err == nil, errors.Is(err, ErrWouldBlock):
		case errors.Is(err, io.EOF):
			return ReceiveResult{Outcome: Closed, Data: data}
		default:
			return ReceiveResult{Outcome: Error, Data: data, Err: err}
		}

		r, werr := WaitReadable(ctx, ch, deadline, o.pollInterval)
		switch r {
		case socket.Ready:
		case socket.TimedOut:
			return ReceiveResult{Outcome: Timeout, Data: data}
		case socket.Aborted:
			return ReceiveResult{Outcome: Aborted, Data: data}
		default:
			return ReceiveResult{Outcome: Error, Data: data, Err: werr}
		}
	}
}

// ReceiveMessage 与 Receive 行为相同，非 Ready 结果（包括超时和关闭）以 *OutcomeError 返回。
// 出错时仍返回已收到的部分数据。
func ReceiveMessage(ctx context.Context, ch Channel, timeout time.Duration, end EndDetector, opts ...Option) ([]byte, error) {
	r := Receive(ctx, ch, timeout, end, opts...)
	return r.Data, r.AsError()
}
