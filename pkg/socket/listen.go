package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultBacklog 默认的挂起连接队列长度
const DefaultBacklog = 20

var ErrInvalidPort = errors.New("invalid port")

// Listener 非阻塞的监听套接字
type Listener struct {
	mu   sync.Mutex
	fd   int
	addr Address
}

// Listen 绑定并监听 host:port。
// host 为空时优先使用双栈 IPv6，不可用时退回 IPv4；port 为 0 时由系统分配。
func Listen(host string, port, backlog int) (*Listener, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	candidates, err := bindCandidates(host, port)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, a := range candidates {
		fd, err := bindAndListen(a, backlog)
		if err == nil {
			bound, err := LocalAddress(fd)
			if err != nil {
				bound = a
			}
			return &Listener{fd: fd, addr: bound}, nil
		}
		lastErr = err
		if errors.Is(err, unix.EADDRINUSE) || errors.Is(err, unix.EACCES) {
			break
		}
	}
	return nil, lastErr
}

func bindCandidates(host string, port int) ([]Address, error) {
	if host == "" {
		return []Address{
			FromAddrPort(netip.AddrPortFrom(netip.IPv6Unspecified(), uint16(port))),
			FromAddrPort(netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(port))),
		}, nil
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return []Address{FromAddrPort(netip.AddrPortFrom(ip, uint16(port)))}, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	out := make([]Address, 0, len(ips))
	for _, ip := range ips {
		if a, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, FromAddrPort(netip.AddrPortFrom(a.Unmap(), uint16(port))))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("resolve %s: no usable address", host)
	}
	return out, nil
}

func bindAndListen(a Address, backlog int) (int, error) {
	domain := unix.AF_INET
	if a.Family() == FamilyIPv6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)

	fail := func(op string, err error) (int, error) {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("%s %s: %w", op, a, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if domain == unix.AF_INET6 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	}
	if err := unix.Bind(fd, a.Sockaddr()); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("set nonblocking", err)
	}
	return fd, nil
}

// Fd 监听描述符，关闭后为 -1
func (l *Listener) Fd() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fd
}

// Addr 实际绑定的地址
func (l *Listener) Addr() Address {
	return l.addr
}

// Shutdown 停止接受新连接但不释放描述符，可与 Accept 并发调用
func (l *Listener) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd < 0 {
		return nil
	}
	if err := unix.Shutdown(l.fd, unix.SHUT_RDWR); err != nil && !errors.Is(err, unix.ENOTCONN) {
		return fmt.Errorf("shutdown listener: %w", err)
	}
	return nil
}

// Close 释放监听描述符，只应由执行 Accept 的 goroutine 调用
func (l *Listener) Close() (CloseResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return CloseSocket(&l.fd)
}

// AcceptResult 一次 Accept 的结果
type AcceptResult struct {
	Readiness Readiness
	Fd        int
	Peer      Address
	Err       error
}

// Accept 在 fd 上等待并接受一个连接，等待过程遵循 WaitForReadable 的截止时间与中止规则。
// 接受到的套接字为非阻塞模式。EAGAIN、ECONNABORTED、EINTR 视为瞬时错误并重试。
func Accept(ctx context.Context, fd int, deadline time.Time, pollInterval time.Duration) AcceptResult {
	for {
		r, err := WaitForReadable(ctx, fd, deadline, pollInterval)
		if r != Ready {
			return AcceptResult{Readiness: r, Fd: -1, Err: err}
		}

		nfd, sa, err := unix.Accept(fd)
		if err != nil {
			if transientAccept(err) {
				continue
			}
			return AcceptResult{Readiness: Errored, Fd: -1, Err: fmt.Errorf("accept: %w", err)}
		}
		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			_ = unix.Close(nfd)
			return AcceptResult{Readiness: Errored, Fd: -1, Err: fmt.Errorf("set nonblocking: %w", err)}
		}
		peer, _ := FromSockaddr(sa)
		return AcceptResult{Readiness: Ready, Fd: nfd, Peer: peer}
	}
}

func transientAccept(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EWOULDBLOCK) ||
		errors.Is(err, unix.EINTR) ||
		errors.Is(err, unix.ECONNABORTED)
}

// Connect 建立到 addr 的非阻塞 TCP 连接，等待遵循截止时间与中止规则
func Connect(ctx context.Context, addr Address, deadline time.Time, pollInterval time.Duration) (int, error) {
	if !addr.IsValid() {
		return -1, ErrNoAddress
	}
	domain := unix.AF_INET
	if addr.Family() == FamilyIPv6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("set nonblocking: %w", err)
	}

	err = unix.Connect(fd, addr.Sockaddr())
	if err != nil && !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EINTR) {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr, err)
	}
	if err == nil {
		return fd, nil
	}

	r, err := WaitForWritable(ctx, fd, deadline, pollInterval)
	switch r {
	case Ready:
	case TimedOut:
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr, unix.ETIMEDOUT)
	case Aborted:
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr, context.Canceled)
	default:
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr, err)
	}

	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr, err)
	}
	if soerr != 0 {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr, unix.Errno(soerr))
	}
	return fd, nil
}
