package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"sockkit/internal/logger"
	"sockkit/pkg/pool"
	"sockkit/pkg/secure"
	"sockkit/pkg/socket"
	"sockkit/pkg/telemetry"
	"sockkit/pkg/transfer"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// SocketServer 基于原始套接字的 TCP/TLS 服务器
type SocketServer struct {
	opts  ServerOptions
	pool  *pool.Pool
	sem   *semaphore.Weighted
	state atomic.Int32

	mu       sync.Mutex
	listener *socket.Listener
	cancel   context.CancelFunc
	done     chan struct{}

	workers sync.WaitGroup
}

var _ Server = (*SocketServer)(nil)

// NewSocketServer 创建服务器，初始状态为 Idle
func NewSocketServer(opts ServerOptions) (*SocketServer, error) {
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("%w: %d", socket.ErrInvalidPort, opts.Port)
	}
	if opts.Handler == nil && opts.Factory == nil {
		return nil, ErrNoHandler
	}
	opts.setDefaults()

	s := &SocketServer{
		opts: opts,
		pool: pool.New(opts.Sink),
	}
	if opts.MaxConnections > 0 {
		s.sem = semaphore.NewWeighted(int64(opts.MaxConnections))
	}
	return s, nil
}

// State 当前生命周期状态
func (s *SocketServer) State() State {
	return State(s.state.Load())
}

func (s *SocketServer) setState(st State) {
	s.state.Store(int32(st))
}

// Pool 服务器的连接池
func (s *SocketServer) Pool() *pool.Pool {
	return s.pool
}

// Start 加载证书、绑定监听并在新的 goroutine 中运行接受循环。
// 失败时恢复之前的状态；已停止的服务器可以再次启动
func (s *SocketServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.State()
	switch prev {
	case Starting, Running:
		return ErrAlreadyRunning
	case Stopping:
		return ErrStopping
	}
	s.setState(Starting)

	var tlsCtx *secure.Context
	if s.opts.TLS != nil {
		var err error
		tlsCtx, err = secure.Load(s.opts.TLS)
		if err != nil {
			s.setState(prev)
			logger.Error("Failed to load TLS configuration", zap.Error(err))
			return fmt.Errorf("load tls config: %w", err)
		}
	}

	l, err := socket.Listen(s.opts.Host, s.opts.Port, s.opts.Backlog)
	if err != nil {
		s.setState(prev)
		logger.Error("Failed to listen",
			zap.String("host", s.opts.Host),
			zap.Int("port", s.opts.Port),
			zap.Error(err),
		)
		return fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.listener = l
	s.cancel = cancel
	s.done = done
	s.setState(Running)

	logger.Info("Starting socket server",
		zap.Stringer("address", l.Addr()),
		zap.Bool("tls", tlsCtx != nil),
		zap.Int("backlog", s.opts.Backlog),
	)
	logger.Debug("Listening socket options", zap.String("options", socket.DescribeOptions(l.Fd())))
	telemetry.Emit(s.opts.Sink, telemetry.Event{Kind: telemetry.EventStart, Peer: l.Addr().String()})

	if s.opts.InactivityTimeout > 0 {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.watchInactivity(ctx)
		}()
	}
	go s.acceptLoop(ctx, l, tlsCtx, done)
	return nil
}

// Stop 请求停止：不再接受新连接，取消处理中连接的 ctx，不会强制关闭连接。
// 接受循环退出且所有连接处理完成后状态变为 Stopped。Idle 或已停止时什么都不做
func (s *SocketServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != Running {
		return
	}
	s.setState(Stopping)

	logger.Info("Stopping socket server", zap.Stringer("address", s.listener.Addr()))

	s.cancel()
	if err := s.listener.Shutdown(); err != nil {
		logger.Warn("Failed to shut down listener", zap.Error(err))
	}
}

// Wait 阻塞直到服务器进入 Stopped 或 ctx 结束。从未启动的服务器立即返回
func (s *SocketServer) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr 实际监听的地址，未启动时为零值
func (s *SocketServer) Addr() socket.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return socket.Address{}
	}
	return s.listener.Addr()
}

// Port 实际监听的端口
func (s *SocketServer) Port() int {
	if a := s.Addr(); a.IsValid() {
		return a.Port()
	}
	return s.opts.Port
}

// GetAddress 获取服务器地址
func (s *SocketServer) GetAddress() string {
	if a := s.Addr(); a.IsValid() {
		return a.String()
	}
	return net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
}

func (s *SocketServer) acceptLoop(ctx context.Context, l *socket.Listener, tlsCtx *secure.Context, done chan struct{}) {
	defer func() {
		if _, err := l.Close(); err != nil {
			logger.Warn("Failed to close listener", zap.Error(err))
		}
		s.workers.Wait()

		s.mu.Lock()
		s.setState(Stopped)
		close(done)
		s.mu.Unlock()

		logger.Info("Socket server stopped", zap.Stringer("address", l.Addr()))
		telemetry.Emit(s.opts.Sink, telemetry.Event{Kind: telemetry.EventStop, Peer: l.Addr().String()})
	}()

	for {
		res := socket.Accept(ctx, l.Fd(), time.Now().Add(s.opts.AcceptPollInterval), s.opts.PollInterval)
		switch res.Readiness {
		case socket.Ready:
			s.dispatch(ctx, res, tlsCtx)
		case socket.TimedOut:
			if s.opts.AliveHandler != nil {
				s.opts.AliveHandler()
			}
		case socket.Aborted:
			return
		default:
			if ctx.Err() != nil {
				return
			}
			if !s.acceptFailed(ctx, res.Err) {
				return
			}
		}
	}
}

// acceptFailed 报告接受错误，返回 false 表示监听套接字已不可用
func (s *SocketServer) acceptFailed(ctx context.Context, err error) bool {
	s.reportError(err)

	fatal := errors.Is(err, socket.ErrBadDescriptor) ||
		errors.Is(err, unix.EBADF) ||
		errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.ENOTSOCK)
	if fatal {
		logger.Error("Listening socket failed, stopping accept loop", zap.Error(err))
		s.mu.Lock()
		if s.State() == Running {
			s.setState(Stopping)
			s.cancel()
		}
		s.mu.Unlock()
		return false
	}

	// 描述符耗尽等资源错误，等待一个周期后重试
	logger.Warn("Accept failed", zap.Error(err))
	select {
	case <-ctx.Done():
	case <-time.After(s.opts.PollInterval):
	}
	return true
}

func (s *SocketServer) reportError(err error) {
	telemetry.Emit(s.opts.Sink, telemetry.Event{Kind: telemetry.EventError, Err: err})
	if s.opts.ErrorHandler != nil {
		s.opts.ErrorHandler(err)
	}
}

// reject 先记录再关闭，对端观察到关闭时事件已经可见
func (s *SocketServer) reject(fd int, peer socket.Address, reason string) {
	logger.Warn("Connection rejected",
		zap.Stringer("peer", peer),
		zap.String("reason", reason),
	)
	telemetry.Emit(s.opts.Sink, telemetry.Event{Kind: telemetry.EventReject, Peer: peer.String(), Outcome: reason})
	_, _ = socket.CloseSocket(&fd)
}

func (s *SocketServer) dispatch(ctx context.Context, res socket.AcceptResult, tlsCtx *secure.Context) {
	peer := res.Peer
	telemetry.Emit(s.opts.Sink, telemetry.Event{Kind: telemetry.EventAccept, Peer: peer.String()})

	if s.opts.AddressFilter != nil && !s.opts.AddressFilter(peer) {
		s.reject(res.Fd, peer, "address filtered")
		return
	}
	if s.sem != nil && !s.sem.TryAcquire(1) {
		s.reject(res.Fd, peer, "connection limit reached")
		return
	}
	release := func() {
		if s.sem != nil {
			s.sem.Release(1)
		}
	}

	raw := transfer.NewFDChannel(res.Fd)

	if tlsCtx == nil {
		var payload any
		if s.opts.Factory != nil {
			payload = s.opts.Factory(pool.Plain, peer.String())
			if payload == nil {
				_ = raw.Close()
				release()
				logger.Debug("Factory declined connection", zap.Stringer("peer", peer))
				return
			}
		}
		c := pool.NewConnection(raw, peer, pool.Plain)
		c.SetPayload(payload)
		if !s.insert(c, release) {
			return
		}
		s.spawn(ctx, c, release, nil)
		return
	}

	c := pool.NewConnection(raw, peer, tlsCtx.Type())
	if !s.insert(c, release) {
		return
	}
	s.spawn(ctx, c, release, func() bool {
		return s.upgrade(ctx, c, raw, tlsCtx)
	})
}

func (s *SocketServer) insert(c *pool.Connection, release func()) bool {
	if _, err := s.pool.Insert(c); err != nil {
		logger.Error("Failed to insert connection", zap.Stringer("peer", c.Peer()), zap.Error(err))
		_ = c.Close()
		release()
		return false
	}
	return true
}

// upgrade 完成握手并调用工厂函数，失败时返回 false，工厂函数不会被调用
func (s *SocketServer) upgrade(ctx context.Context, c *pool.Connection, raw *transfer.FDChannel, tlsCtx *secure.Context) bool {
	ch, hr := secure.Handshake(ctx, raw, tlsCtx, time.Now().Add(s.opts.HandshakeTimeout), s.opts.PollInterval)
	telemetry.Emit(s.opts.Sink, telemetry.Event{
		Kind:    telemetry.EventHandshake,
		ConnID:  c.ID(),
		Peer:    c.Peer().String(),
		Outcome: hr.Outcome.String(),
		Err:     hr.Err,
	})
	if hr.Outcome != secure.HandshakeReady {
		logger.Warn("TLS handshake failed",
			zap.Uint64("id", c.ID()),
			zap.Stringer("peer", c.Peer()),
			zap.Stringer("outcome", hr.Outcome),
			zap.Error(hr.Err),
		)
		return false
	}
	c.SetChannel(ch)

	if s.opts.Factory != nil {
		payload := s.opts.Factory(c.Type(), c.Peer().String())
		if payload == nil {
			logger.Debug("Factory declined connection", zap.Uint64("id", c.ID()))
			return false
		}
		c.SetPayload(payload)
	}
	return true
}

func (s *SocketServer) spawn(ctx context.Context, c *pool.Connection, release func(), prepare func() bool) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer release()
		defer s.pool.Remove(c.ID())

		if prepare != nil && !prepare() {
			return
		}
		s.serve(ctx, c)
	}()
}

func (s *SocketServer) serve(ctx context.Context, c *pool.Connection) {
	handler := s.opts.Handler
	if handler == nil {
		if sv, ok := c.Payload().(Servable); ok {
			handler = sv.Serve
		}
	}
	if handler == nil {
		logger.Warn("No handler for connection", zap.Uint64("id", c.ID()))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			logger.Error("Connection handler panicked",
				zap.Uint64("id", c.ID()),
				zap.Error(err),
			)
			telemetry.Emit(s.opts.Sink, telemetry.Event{Kind: telemetry.EventError, ConnID: c.ID(), Err: err})
		}
	}()
	handler(ctx, c)
}

// watchInactivity 周期性检查连接池，直到 ctx 取消
func (s *SocketServer) watchInactivity(ctx context.Context) {
	interval := max(s.opts.InactivityTimeout/4, s.opts.PollInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweepInactive(now)
		}
	}
}

// sweepInactive 处理在 now 时刻已空闲的连接，返回被关闭的数量
func (s *SocketServer) sweepInactive(now time.Time) int {
	closed := 0
	s.pool.ForEach(func(c *pool.Connection) bool {
		if c.Removed() || !c.Inactive(now, s.opts.InactivityTimeout) {
			return true
		}
		idle := now.Sub(c.LastActivity())
		if s.opts.InactivityHandler != nil && s.opts.InactivityHandler(c) {
			c.Touch()
			return true
		}
		if _, ok := s.pool.Remove(c.ID()); !ok {
			return true
		}
		closed++
		logger.Info("Closed inactive connection",
			zap.Uint64("id", c.ID()),
			zap.Stringer("peer", c.Peer()),
			zap.Duration("idle", idle),
		)
		telemetry.Emit(s.opts.Sink, telemetry.Event{Kind: telemetry.EventInactive, ConnID: c.ID(), Peer: c.Peer().String()})
		return true
	})
	return closed
}
