package pool

import (
	"sort"
	"sync"

	"sockkit/internal/logger"
	"sockkit/pkg/telemetry"

	"go.uber.org/zap"
)

// Pool 当前存活连接的集合
type Pool struct {
	mu     sync.RWMutex
	conns  map[uint64]*Connection
	lastID uint64
	sink   telemetry.Sink
}

// New 创建连接池，sink 为 nil 时不输出事件
func New(sink telemetry.Sink) *Pool {
	if sink == nil {
		sink = telemetry.Nop
	}
	return &Pool{
		conns: make(map[uint64]*Connection),
		sink:  sink,
	}
}

func (p *Pool) nextID() uint64 {
	p.lastID++
	return p.lastID
}

// Insert 加入连接并分配编号。已加入过的连接返回原编号；
// 已被移除或关闭的连接不能再插入，返回 ErrConnectionRemoved
func (p *Pool) Insert(c *Connection) (uint64, error) {
	p.mu.Lock()
	c.mu.Lock()
	if c.removed.Load() {
		c.mu.Unlock()
		p.mu.Unlock()
		return 0, ErrConnectionRemoved
	}
	if id := c.id.Load(); id != 0 {
		c.mu.Unlock()
		p.mu.Unlock()
		return id, nil
	}
	id := p.nextID()
	c.id.Store(id)
	c.sink = p.sink
	c.mu.Unlock()
	p.conns[id] = c
	count := len(p.conns)
	p.mu.Unlock()

	logger.Debug("Connection inserted",
		zap.Uint64("id", id),
		zap.Stringer("peer", c.peer),
		zap.Stringer("type", c.typ),
		zap.Int("count", count),
	)
	telemetry.Emit(p.sink, telemetry.Event{Kind: telemetry.EventInsert, ConnID: id, Peer: c.peer.String()})
	return id, nil
}

// Remove 移除并关闭连接。并发移除同一编号时只有一个调用方得到连接
func (p *Pool) Remove(id uint64) (*Connection, bool) {
	p.mu.Lock()
	c, ok := p.conns[id]
	if ok {
		delete(p.conns, id)
		c.removed.Store(true)
	}
	p.mu.Unlock()
	if !ok {
		return nil, false
	}

	closeErr := c.closeChannel()
	if closeErr != nil {
		logger.Warn("Failed to close connection",
			zap.Uint64("id", id),
			zap.Error(closeErr),
		)
	} else {
		logger.Debug("Connection removed", zap.Uint64("id", id))
	}
	telemetry.Emit(p.sink, telemetry.Event{Kind: telemetry.EventClose, ConnID: id, Peer: c.peer.String(), Err: closeErr})
	return c, true
}

// Get 按编号查找连接
func (p *Pool) Get(id uint64) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[id]
	return c, ok
}

// Count 当前连接数
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Snapshot 按编号顺序返回当前连接
func (p *Pool) Snapshot() []*Connection {
	p.mu.RLock()
	out := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ForEach 对快照中的每个连接调用 fn，fn 返回 false 时停止。fn 中可以安全地修改连接池
func (p *Pool) ForEach(fn func(*Connection) bool) {
	for _, c := range p.Snapshot() {
		if !fn(c) {
			return
		}
	}
}

// Drain 移除所有连接，返回实际移除的数量
func (p *Pool) Drain() int {
	n := 0
	for _, c := range p.Snapshot() {
		if _, ok := p.Remove(c.ID()); ok {
			n++
		}
	}
	return n
}
