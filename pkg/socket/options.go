package socket

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// CloseResult CloseSocket 的三态结果
type CloseResult int

const (
	Closed        CloseResult = iota // 已关闭
	AlreadyAbsent                    // 句柄不存在，未做任何操作
	CloseFailed                      // 系统调用 close 失败
)

func (r CloseResult) String() string {
	switch r {
	case Closed:
		return "closed"
	case AlreadyAbsent:
		return "already-absent"
	default:
		return "close-failed"
	}
}

// CloseSocket 关闭句柄并将其置为 -1。
// fd 为 nil 或负数时返回 AlreadyAbsent，与系统级关闭失败区分。
func CloseSocket(fd *int) (CloseResult, error) {
	if fd == nil || *fd < 0 {
		return AlreadyAbsent, nil
	}
	n := *fd
	*fd = -1
	if err := unix.Close(n); err != nil {
		return CloseFailed, fmt.Errorf("close fd %d: %w", n, err)
	}
	return Closed, nil
}

// Errno 从错误链中提取系统错误码
func Errno(err error) (unix.Errno, bool) {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// DescribeOptions 列出套接字选项，仅用于诊断。
// 单个选项读取失败时忽略，该字段保持零值输出。
func DescribeOptions(fd int) string {
	var b strings.Builder
	sep := func() {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
	}
	flag := func(level, name int, label string) {
		v, _ := unix.GetsockoptInt(fd, level, name)
		sep()
		if v == 0 {
			fmt.Fprintf(&b, "%s = No", label)
		} else {
			fmt.Fprintf(&b, "%s = Yes", label)
		}
	}
	integer := func(level, name int, label string) {
		v, _ := unix.GetsockoptInt(fd, level, name)
		sep()
		fmt.Fprintf(&b, "%s = %d", label, v)
	}
	linger := func(level, name int, label string) {
		var onoff, secs int32
		if l, err := unix.GetsockoptLinger(fd, level, name); err == nil && l != nil {
			onoff, secs = l.Onoff, l.Linger
		}
		sep()
		fmt.Fprintf(&b, "%s onOff = %d, linger = %d", label, onoff, secs)
	}
	timeval := func(level, name int, label string) {
		var sec, usec int64
		if tv, err := unix.GetsockoptTimeval(fd, level, name); err == nil && tv != nil {
			sec, usec = int64(tv.Sec), int64(tv.Usec)
		}
		sep()
		fmt.Fprintf(&b, "%s seconds = %d, microseconds = %d", label, sec, usec)
	}

	flag(unix.SOL_SOCKET, unix.SO_BROADCAST, "SO_BROADCAST")
	flag(unix.SOL_SOCKET, unix.SO_DEBUG, "SO_DEBUG")
	flag(unix.SOL_SOCKET, unix.SO_DONTROUTE, "SO_DONTROUTE")
	integer(unix.SOL_SOCKET, unix.SO_ERROR, "SO_ERROR")
	flag(unix.SOL_SOCKET, unix.SO_KEEPALIVE, "SO_KEEPALIVE")
	linger(unix.SOL_SOCKET, unix.SO_LINGER, "SO_LINGER")
	flag(unix.SOL_SOCKET, unix.SO_OOBINLINE, "SO_OOBINLINE")
	integer(unix.SOL_SOCKET, unix.SO_RCVBUF, "SO_RCVBUF")
	integer(unix.SOL_SOCKET, unix.SO_SNDBUF, "SO_SNDBUF")
	integer(unix.SOL_SOCKET, unix.SO_RCVLOWAT, "SO_RCVLOWAT")
	integer(unix.SOL_SOCKET, unix.SO_SNDLOWAT, "SO_SNDLOWAT")
	timeval(unix.SOL_SOCKET, unix.SO_RCVTIMEO, "SO_RCVTIMEO")
	timeval(unix.SOL_SOCKET, unix.SO_SNDTIMEO, "SO_SNDTIMEO")
	flag(unix.SOL_SOCKET, unix.SO_REUSEADDR, "SO_REUSEADDR")
	flag(unix.SOL_SOCKET, unix.SO_REUSEPORT, "SO_REUSEPORT")
	integer(unix.SOL_SOCKET, unix.SO_TYPE, "SO_TYPE")
	integer(unix.IPPROTO_IP, unix.IP_TOS, "IP_TOS")
	integer(unix.IPPROTO_IP, unix.IP_TTL, "IP_TTL")
	integer(unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, "IPV6_UNICAST_HOPS")
	flag(unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, "IPV6_V6ONLY")
	integer(unix.IPPROTO_TCP, unix.TCP_MAXSEG, "TCP_MAXSEG")
	flag(unix.IPPROTO_TCP, unix.TCP_NODELAY, "TCP_NODELAY")

	return b.String()
}
