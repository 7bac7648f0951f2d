package transfer

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"sockkit/pkg/socket"
)

// Outcome 一次接收或发送的结果
type Outcome int

const (
	Ready   Outcome = iota // 完成
	Timeout                // 超时仍未完成
	Closed                 // 对端关闭
	Error                  // 系统或通道错误
	Aborted                // 调用方取消
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Timeout:
		return "timeout"
	case Closed:
		return "closed"
	case Error:
		return "error"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

var (
	ErrTimeout         = errors.New("transfer timed out")
	ErrClosed          = errors.New("connection closed by peer")
	ErrAborted         = errors.New("transfer aborted")
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// OutcomeError 将非 Ready 结果转换为错误，errors.Is 可匹配 ErrTimeout、ErrClosed、ErrAborted
type OutcomeError struct {
	Outcome Outcome
	Err     error
}

func (e *OutcomeError) Error() string {
	if e.Err == nil {
		return e.Outcome.String()
	}
	return fmt.Sprintf("%s: %v", e.Outcome, e.Err)
}

func (e *OutcomeError) Unwrap() error {
	return e.Err
}

func (e *OutcomeError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Outcome == Timeout
	case ErrClosed:
		return e.Outcome == Closed
	case ErrAborted:
		return e.Outcome == Aborted
	}
	return false
}

// ReceiveResult Receive 的结果，Data 为已累计的全部数据（包括未完成时的部分数据）
type ReceiveResult struct {
	Outcome Outcome
	Data    []byte
	Err     error
}

// Partial 对端在消息完整前关闭，但已收到部分数据
func (r ReceiveResult) Partial() bool {
	return r.Outcome == Closed && len(r.Data) > 0
}

// Errno 返回底层系统错误码
func (r ReceiveResult) Errno() (unix.Errno, bool) {
	return socket.Errno(r.Err)
}

// AsError Ready 返回 nil，其余结果返回 *OutcomeError
func (r ReceiveResult) AsError() error {
	return outcomeError(r.Outcome, r.Err)
}

// TransmitResult Transmit 的结果，Sent 为已确认写入的字节数
type TransmitResult struct {
	Outcome Outcome
	Sent    int
	Err     error
}

// Errno 返回底层系统错误码
func (r TransmitResult) Errno() (unix.Errno, bool) {
	return socket.Errno(r.Err)
}

// AsError Ready 返回 nil，其余结果返回 *OutcomeError
func (r TransmitResult) AsError() error {
	return outcomeError(r.Outcome, r.Err)
}

func outcomeError(o Outcome, err error) error {
	if o == Ready {
		return nil
	}
	return &OutcomeError{Outcome: o, Err: err}
}
