package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"sockkit/pkg/socket"
)

// Channel 字节流端点的抽象，明文套接字和 TLS 通道都实现它
type Channel interface {
	// Fd 用于就绪等待的底层描述符
	Fd() int
	// Secure 是否为加密通道
	Secure() bool
	// ReadAvailable 读取当前可用的数据，不阻塞。
	// 无数据时返回 ErrWouldBlock，对端关闭时返回 io.EOF。
	ReadAvailable(p []byte) (int, error)
	// WriteSome 写入通道当前能接受的字节数，部分写入是正常情况。
	// 明文通道不会阻塞；需要多次往返的通道最多阻塞到 deadline 或 ctx 取消。
	WriteSome(ctx context.Context, p []byte, deadline time.Time) (int, error)
	// Close 关闭通道和底层套接字
	Close() error
}

type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "operation would block" }
func (wouldBlockError) Timeout() bool   { return false }
func (wouldBlockError) Temporary() bool { return true }

// ErrWouldBlock 非阻塞操作暂时无法完成，内部重试，永不作为结果返回给调用方
var ErrWouldBlock error = wouldBlockError{}

// ErrChannelClosed 通道已在本端关闭
var ErrChannelClosed = errors.New("channel closed")

// FDChannel 基于非阻塞描述符的明文通道
type FDChannel struct {
	mu sync.RWMutex
	fd int
}

// NewFDChannel 接管 fd 的所有权，fd 应处于非阻塞模式
func NewFDChannel(fd int) *FDChannel {
	return &FDChannel{fd: fd}
}

// Fd 返回描述符，关闭后为 -1
func (c *FDChannel) Fd() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fd
}

func (c *FDChannel) Secure() bool { return false }

func (c *FDChannel) ReadAvailable(p []byte) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fd < 0 {
		return 0, ErrChannelClosed
	}
	for {
		n, err := unix.Read(c.fd, p)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return 0, ErrWouldBlock
			}
			return 0, fmt.Errorf("read: %w", err)
		}
		if n == 0 && len(p) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *FDChannel) WriteSome(_ context.Context, p []byte, _ time.Time) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fd < 0 {
		return 0, ErrChannelClosed
	}
	for {
		n, err := unix.Write(c.fd, p)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return 0, ErrWouldBlock
			}
			return 0, fmt.Errorf("write: %w", err)
		}
		return n, nil
	}
}

// Close 先关闭读写方向唤醒可能的等待者，再释放描述符；重复调用无副作用
func (c *FDChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd >= 0 {
		_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	}
	res, err := socket.CloseSocket(&c.fd)
	if res == socket.CloseFailed {
		return err
	}
	return nil
}
