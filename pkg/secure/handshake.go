package secure

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"time"

	"sockkit/pkg/socket"
	"sockkit/pkg/transfer"
)

// ErrHandshakeFailed 握手被对端或证书校验拒绝，区别于握手后的读写错误
var ErrHandshakeFailed = errors.New("tls handshake failed")

// HandshakeOutcome 握手结果
type HandshakeOutcome int

const (
	HandshakeReady HandshakeOutcome = iota
	HandshakeTimeout
	HandshakeAborted
	HandshakeFailed
)

func (o HandshakeOutcome) String() string {
	switch o {
	case HandshakeReady:
		return "ready"
	case HandshakeTimeout:
		return "timeout"
	case HandshakeAborted:
		return "aborted"
	case HandshakeFailed:
		return "failed"
	default:
		return fmt.Sprintf("handshake(%d)", int(o))
	}
}

// HandshakeResult 握手结果，失败时 Err 匹配 ErrHandshakeFailed
type HandshakeResult struct {
	Outcome HandshakeOutcome
	Err     error
}

// Handshake 在 raw 上执行服务端握手，直到完成、deadline 到期或 ctx 取消。
// 失败时不会关闭 raw，由持有者负责移除连接。
func Handshake(ctx context.Context, raw *transfer.FDChannel, tlsCtx *Context, deadline time.Time, pollInterval time.Duration) (*Channel, HandshakeResult) {
	if tlsCtx == nil {
		return nil, HandshakeResult{Outcome: HandshakeFailed, Err: fmt.Errorf("%w: no tls context", ErrHandshakeFailed)}
	}
	return handshake(ctx, raw, deadline, pollInterval, func(fc *fdConn) *tls.Conn {
		return tls.Server(fc, tlsCtx.config)
	})
}

// ClientHandshake 在 raw 上执行客户端握手
func ClientHandshake(ctx context.Context, raw *transfer.FDChannel, cfg *tls.Config, deadline time.Time, pollInterval time.Duration) (*Channel, HandshakeResult) {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return handshake(ctx, raw, deadline, pollInterval, func(fc *fdConn) *tls.Conn {
		return tls.Client(fc, cfg)
	})
}

func handshake(ctx context.Context, raw *transfer.FDChannel, deadline time.Time, pollInterval time.Duration, wrap func(*fdConn) *tls.Conn) (*Channel, HandshakeResult) {
	if ctx == nil {
		ctx = context.Background()
	}
	if pollInterval <= 0 {
		pollInterval = socket.DefaultPollInterval
	}

	fc := newFDConn(raw, pollInterval)
	fc.handshakeMode(ctx, deadline)
	conn := wrap(fc)

	if err := conn.Handshake(); err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return nil, HandshakeResult{Outcome: HandshakeTimeout, Err: err}
		case errors.Is(err, transfer.ErrAborted):
			return nil, HandshakeResult{Outcome: HandshakeAborted, Err: err}
		default:
			return nil, HandshakeResult{Outcome: HandshakeFailed, Err: fmt.Errorf("%w: %w", ErrHandshakeFailed, err)}
		}
	}

	fc.streamMode()
	return &Channel{raw: raw, conn: conn, fc: fc}, HandshakeResult{Outcome: HandshakeReady}
}
