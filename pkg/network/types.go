package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sockkit/pkg/pool"
	"sockkit/pkg/secure"
	"sockkit/pkg/socket"
	"sockkit/pkg/telemetry"
)

const (
	// DefaultAcceptPollInterval 接受循环每次等待的最长时间，到期后调用 AliveHandler
	DefaultAcceptPollInterval = time.Second
	// DefaultHandshakeTimeout TLS 握手的默认超时
	DefaultHandshakeTimeout = 10 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("server is already running")
	ErrStopping       = errors.New("server is stopping")
	ErrNoHandler      = errors.New("either a handler or a connection factory is required")
)

// State 服务器生命周期状态
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnectionFactory 为新连接创建宿主对象，返回 nil 表示拒绝该连接
type ConnectionFactory func(typ pool.ConnectionType, peer string) any

// ConnectionHandler 在连接自己的 goroutine 中处理连接，返回后连接被移除。
// ctx 在服务器停止时取消
type ConnectionHandler func(ctx context.Context, c *pool.Connection)

// InactivityHandler 连接空闲超过 InactivityTimeout 时调用，返回 true 保留连接并重新计时，
// 返回 false 则连接被移除并关闭
type InactivityHandler func(c *pool.Connection) bool

// Servable 未设置 Handler 时，实现该接口的宿主对象负责处理连接
type Servable interface {
	Serve(ctx context.Context, c *pool.Connection)
}

// ServerOptions 定义服务器选项
type ServerOptions struct {
	// Host 为空时监听所有地址
	Host string
	// Port 为 0 时由系统分配
	Port    int
	Backlog int

	// AcceptPollInterval 接受循环单次等待时长
	AcceptPollInterval time.Duration
	// PollInterval 阻塞操作检查取消的间隔
	PollInterval time.Duration

	Factory ConnectionFactory
	Handler ConnectionHandler

	// TLS 非 nil 时所有连接都先完成握手
	TLS              *secure.Config
	HandshakeTimeout time.Duration

	// MaxConnections 同时处理的连接上限，0 表示不限制
	MaxConnections int

	// InactivityTimeout 连接无数据传输超过该时长视为空闲，0 表示不检测
	InactivityTimeout time.Duration
	// InactivityHandler 为 nil 时空闲连接直接关闭
	InactivityHandler InactivityHandler

	// AddressFilter 返回 false 的对端连接被立即关闭
	AddressFilter func(peer socket.Address) bool
	// AliveHandler 每个空闲的接受周期调用一次
	AliveHandler func()
	// ErrorHandler 接受循环中出现的错误
	ErrorHandler func(err error)

	Sink telemetry.Sink
}

func (o *ServerOptions) setDefaults() {
	if o.Backlog <= 0 {
		o.Backlog = socket.DefaultBacklog
	}
	if o.AcceptPollInterval <= 0 {
		o.AcceptPollInterval = DefaultAcceptPollInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = socket.DefaultPollInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.Sink == nil {
		o.Sink = telemetry.Nop
	}
}

// Server 定义网络服务器接口
type Server interface {
	// Start 启动服务器
	Start() error
	// Stop 停止服务器
	Stop()
	// GetAddress 获取服务器地址
	GetAddress() string
}
