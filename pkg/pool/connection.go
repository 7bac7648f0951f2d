package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sockkit/pkg/socket"
	"sockkit/pkg/telemetry"
	"sockkit/pkg/transfer"
)

// Connection 一个已接受的连接及宿主附加的对象
type Connection struct {
	id      atomic.Uint64
	peer    socket.Address
	typ     ConnectionType
	created time.Time
	removed atomic.Bool
	closed  sync.Once

	lastActivity atomic.Int64
	busy         atomic.Int32

	mu      sync.RWMutex
	channel transfer.Channel
	payload any
	sink    telemetry.Sink
}

// NewConnection 创建连接，ch 的所有权转移给连接
func NewConnection(ch transfer.Channel, peer socket.Address, typ ConnectionType) *Connection {
	c := &Connection{
		channel: ch,
		peer:    peer,
		typ:     typ,
		created: time.Now(),
		sink:    telemetry.Nop,
	}
	c.lastActivity.Store(c.created.UnixNano())
	return c
}

// ID 连接池分配的编号，未插入时为 0
func (c *Connection) ID() uint64 { return c.id.Load() }

func (c *Connection) Peer() socket.Address { return c.peer }

func (c *Connection) Type() ConnectionType { return c.typ }

func (c *Connection) Created() time.Time { return c.created }

// Removed 连接是否已被移除
func (c *Connection) Removed() bool { return c.removed.Load() }

// Channel 当前的传输通道
func (c *Connection) Channel() transfer.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// SetChannel 替换传输通道，用于握手完成后升级为 TLS 通道
func (c *Connection) SetChannel(ch transfer.Channel) {
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
	c.Touch()
}

// Touch 记录一次活动，重置空闲计时
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity 最近一次有字节传输的时间
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Inactive 在 now 时刻是否已空闲至少 threshold。发送进行中的连接不算空闲，
// 等待数据的接收算空闲
func (c *Connection) Inactive(now time.Time, threshold time.Duration) bool {
	if c.busy.Load() > 0 {
		return false
	}
	return now.Sub(c.LastActivity()) >= threshold
}

// Payload 宿主通过工厂函数创建的对象
func (c *Connection) Payload() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.payload
}

func (c *Connection) SetPayload(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payload = v
}

// Close 关闭不属于任何连接池的连接，例如 network.Dial 返回的连接。
// 仍在连接池中的连接返回 ErrPooled，应通过 Pool.Remove 移除
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.id.Load() != 0 && !c.removed.Load() {
		c.mu.Unlock()
		return ErrPooled
	}
	c.removed.Store(true)
	c.mu.Unlock()
	return c.closeChannel()
}

// closeChannel 关闭当前通道，多次调用只关闭一次
func (c *Connection) closeChannel() error {
	var err error
	c.closed.Do(func() {
		if ch := c.Channel(); ch != nil {
			err = ch.Close()
		}
	})
	return err
}

func (c *Connection) emit(e telemetry.Event) {
	c.mu.RLock()
	s := c.sink
	c.mu.RUnlock()
	e.ConnID = c.ID()
	e.Peer = c.peer.String()
	telemetry.Emit(s, e)
}

// Receive 在该连接上执行 transfer.Receive，已移除的连接直接返回 Error
func (c *Connection) Receive(ctx context.Context, timeout time.Duration, end transfer.EndDetector, opts ...transfer.Option) transfer.ReceiveResult {
	if c.Removed() {
		return transfer.ReceiveResult{Outcome: transfer.Error, Err: ErrConnectionRemoved}
	}
	r := transfer.Receive(ctx, c.Channel(), timeout, end, append(opts[:len(opts):len(opts)], transfer.WithActivity(c.Touch))...)
	c.emit(telemetry.Event{Kind: telemetry.EventReceive, Bytes: len(r.Data), Outcome: r.Outcome.String(), Err: r.Err})
	return r
}

// Transmit 在该连接上执行 transfer.Transmit
func (c *Connection) Transmit(ctx context.Context, data []byte, timeout time.Duration, opts ...transfer.Option) transfer.TransmitResult {
	if c.Removed() {
		return transfer.TransmitResult{Outcome: transfer.Error, Err: ErrConnectionRemoved}
	}
	c.busy.Add(1)
	r := transfer.Transmit(ctx, c.Channel(), data, timeout, append(opts[:len(opts):len(opts)], transfer.WithActivity(c.Touch))...)
	c.busy.Add(-1)
	c.Touch()
	c.emit(telemetry.Event{Kind: telemetry.EventTransmit, Bytes: r.Sent, Outcome: r.Outcome.String(), Err: r.Err})
	return r
}

// ReceiveMessage Receive 的错误返回形式
func (c *Connection) ReceiveMessage(ctx context.Context, timeout time.Duration, end transfer.EndDetector, opts ...transfer.Option) ([]byte, error) {
	if c.Removed() {
		return nil, ErrConnectionRemoved
	}
	r := c.Receive(ctx, timeout, end, opts...)
	return r.Data, r.AsError()
}

// TransmitAll Transmit 的错误返回形式
func (c *Connection) TransmitAll(ctx context.Context, data []byte, timeout time.Duration, opts ...transfer.Option) (int, error) {
	if c.Removed() {
		return 0, ErrConnectionRemoved
	}
	r := c.Transmit(ctx, data, timeout, opts...)
	return r.Sent, r.AsError()
}
