package secure

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"sockkit/pkg/socket"
	"sockkit/pkg/transfer"
)

// controlWriteTimeout 读取过程中 tls.Conn 自行发出的写入（如 KeyUpdate 应答）的等待上限
const controlWriteTimeout = time.Second

// fdConn 把非阻塞描述符适配为 crypto/tls 需要的 net.Conn。
// 握手期间读写都会在截止时间内等待就绪；握手完成后读不再等待，
// 无数据时返回 transfer.ErrWouldBlock（Temporary，tls.Conn 不会把它记为永久错误）。
type fdConn struct {
	raw          *transfer.FDChannel
	pollInterval time.Duration
	local        net.Addr
	remote       net.Addr

	mu            sync.Mutex
	ctx           context.Context
	readBlocking  bool
	writing       bool
	readDeadline  time.Time
	writeDeadline time.Time
}

func newFDConn(raw *transfer.FDChannel, pollInterval time.Duration) *fdConn {
	c := &fdConn{
		raw:          raw,
		pollInterval: pollInterval,
		ctx:          context.Background(),
		local:        &net.TCPAddr{},
		remote:       &net.TCPAddr{},
	}
	if a, err := socket.LocalAddress(raw.Fd()); err == nil {
		c.local = a.TCPAddr()
	}
	if a, err := socket.PeerAddress(raw.Fd()); err == nil {
		c.remote = a.TCPAddr()
	}
	return c
}

// handshakeMode 读写都阻塞到 deadline 或 ctx 取消
func (c *fdConn) handshakeMode(ctx context.Context, deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
	c.readBlocking = true
	c.readDeadline = deadline
	c.writeDeadline = deadline
}

// streamMode 读不阻塞，写由每次调用设置的截止时间约束
func (c *fdConn) streamMode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = context.Background()
	c.readBlocking = false
	c.writing = false
	c.readDeadline = time.Time{}
	c.writeDeadline = time.Time{}
}

func (c *fdConn) prepareWrite(ctx context.Context, deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	c.ctx = ctx
	c.writing = true
	c.writeDeadline = deadline
}

// releaseWrite 结束一次 WriteSome，之后的写入不再使用该次调用的 ctx 和截止时间
func (c *fdConn) releaseWrite() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readBlocking {
		return
	}
	c.ctx = context.Background()
	c.writing = false
	c.writeDeadline = time.Time{}
}

func (c *fdConn) state(write bool) (context.Context, bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if write {
		if !c.readBlocking && !c.writing {
			return context.Background(), true, time.Now().Add(controlWriteTimeout)
		}
		return c.ctx, true, c.writeDeadline
	}
	return c.ctx, c.readBlocking, c.readDeadline
}

func (c *fdConn) Read(p []byte) (int, error) {
	for {
		n, err := c.raw.ReadAvailable(p)
		if err == nil || errors.Is(err, io.EOF) {
			return n, err
		}
		if !errors.Is(err, transfer.ErrWouldBlock) {
			return n, err
		}
		ctx, blocking, deadline := c.state(false)
		if !blocking {
			return 0, transfer.ErrWouldBlock
		}
		if err := c.wait(ctx, deadline, transfer.WaitReadable); err != nil {
			return 0, err
		}
	}
}

func (c *fdConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := c.raw.WriteSome(context.Background(), p[written:], time.Time{})
		written += n
		if err == nil {
			continue
		}
		if !errors.Is(err, transfer.ErrWouldBlock) {
			return written, err
		}
		ctx, _, deadline := c.state(true)
		if err := c.wait(ctx, deadline, transfer.WaitWritable); err != nil {
			return written, err
		}
	}
	return written, nil
}

type waitFunc func(ctx context.Context, ch transfer.Channel, deadline time.Time, pollInterval time.Duration) (socket.Readiness, error)

func (c *fdConn) wait(ctx context.Context, deadline time.Time, wait waitFunc) error {
	r, err := wait(ctx, c.raw, deadline, c.pollInterval)
	switch r {
	case socket.Ready:
		return nil
	case socket.TimedOut:
		return os.ErrDeadlineExceeded
	case socket.Aborted:
		return transfer.ErrAborted
	default:
		return err
	}
}

func (c *fdConn) Close() error {
	return c.raw.Close()
}

func (c *fdConn) LocalAddr() net.Addr  { return c.local }
func (c *fdConn) RemoteAddr() net.Addr { return c.remote }

func (c *fdConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	return nil
}

func (c *fdConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

func (c *fdConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	return nil
}
