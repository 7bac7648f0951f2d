package socket

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Family 地址族
type Family int

const (
	FamilyIPv4 Family = iota + 1 // IPv4 端点
	FamilyIPv6                   // IPv6 端点
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

var (
	ErrUnsupportedFamily = errors.New("unsupported address family")
	ErrNoAddress         = errors.New("no address provided")
)

// Address 套接字地址，IPv4 或 IPv6 端点
// family 始终与 raw 中实际存放的字节布局一致
type Address struct {
	family Family
	raw    [16]byte // IPv4 只使用前 4 字节
	port   int
	zone   uint32
}

// SockaddrProvider 由系统调用填充地址，例如 unix.Getpeername
type SockaddrProvider func(fd int) (unix.Sockaddr, error)

// FromSockaddr 从 unix.Sockaddr 构造地址
func FromSockaddr(sa unix.Sockaddr) (Address, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		a := Address{family: FamilyIPv4, port: v.Port}
		copy(a.raw[:4], v.Addr[:])
		return a, nil
	case *unix.SockaddrInet6:
		a := Address{family: FamilyIPv6, port: v.Port, zone: v.ZoneId}
		copy(a.raw[:], v.Addr[:])
		return a, nil
	case nil:
		return Address{}, ErrNoAddress
	default:
		return Address{}, fmt.Errorf("%w: %T", ErrUnsupportedFamily, sa)
	}
}

// AddressOf 通过 provider 读取 fd 对应的地址
func AddressOf(fd int, provider SockaddrProvider) (Address, error) {
	sa, err := provider(fd)
	if err != nil {
		return Address{}, fmt.Errorf("read socket address: %w", err)
	}
	return FromSockaddr(sa)
}

// PeerAddress 返回已连接套接字的对端地址
func PeerAddress(fd int) (Address, error) {
	return AddressOf(fd, unix.Getpeername)
}

// LocalAddress 返回套接字绑定的本地地址
func LocalAddress(fd int) (Address, error) {
	return AddressOf(fd, unix.Getsockname)
}

// ParseAddress 解析 "host:port" 形式的数字地址
func ParseAddress(s string) (Address, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Address{}, err
	}
	return FromAddrPort(ap), nil
}

// FromAddrPort 从 netip.AddrPort 构造地址
func FromAddrPort(ap netip.AddrPort) Address {
	ip := ap.Addr()
	if ip.Is4() {
		a := Address{family: FamilyIPv4, port: int(ap.Port())}
		b := ip.As4()
		copy(a.raw[:4], b[:])
		return a
	}
	a := Address{family: FamilyIPv6, port: int(ap.Port())}
	b := ip.As16()
	copy(a.raw[:], b[:])
	if z := ip.Zone(); z != "" {
		if ifi, err := net.InterfaceByName(z); err == nil {
			a.zone = uint32(ifi.Index)
		} else if n, err := strconv.ParseUint(z, 10, 32); err == nil {
			a.zone = uint32(n)
		}
	}
	return a
}

// Family 返回地址族，零值地址返回 0
func (a Address) Family() Family {
	return a.family
}

// Port 返回端口号
func (a Address) Port() int {
	return a.port
}

// IsValid 地址是否已初始化
func (a Address) IsValid() bool {
	return a.family == FamilyIPv4 || a.family == FamilyIPv6
}

// Sockaddr 转换回 unix.Sockaddr 以便传给系统调用
func (a Address) Sockaddr() unix.Sockaddr {
	switch a.family {
	case FamilyIPv4:
		sa := &unix.SockaddrInet4{Port: a.port}
		copy(sa.Addr[:], a.raw[:4])
		return sa
	case FamilyIPv6:
		sa := &unix.SockaddrInet6{Port: a.port, ZoneId: a.zone}
		copy(sa.Addr[:], a.raw[:])
		return sa
	default:
		return nil
	}
}

// AddrPort 转换为 netip.AddrPort
func (a Address) AddrPort() (netip.AddrPort, bool) {
	switch a.family {
	case FamilyIPv4:
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(a.raw[:4])), uint16(a.port)), true
	case FamilyIPv6:
		ip := netip.AddrFrom16(a.raw)
		if a.zone != 0 {
			ip = ip.WithZone(strconv.FormatUint(uint64(a.zone), 10))
		}
		return netip.AddrPortFrom(ip, uint16(a.port)), true
	default:
		return netip.AddrPort{}, false
	}
}

// TCPAddr 转换为 *net.TCPAddr，供 net.Conn 适配器使用
func (a Address) TCPAddr() *net.TCPAddr {
	ap, ok := a.AddrPort()
	if !ok {
		return &net.TCPAddr{}
	}
	return net.TCPAddrFromAddrPort(ap)
}

// String 返回 "host:port"，无法描述时返回 "unknown"
func (a Address) String() string {
	host, port, ok := Describe(a)
	if !ok {
		return "unknown"
	}
	return net.JoinHostPort(host, port)
}

// Describe 将地址解析为数字形式的主机和端口字符串
// 解析失败时 ok 为 false，调用方应按"未知"处理而不是当作致命错误
func Describe(a Address) (host, port string, ok bool) {
	ap, valid := a.AddrPort()
	if !valid {
		return "", "", false
	}
	ip := ap.Addr()
	if ip.Is4In6() {
		ip = ip.Unmap()
	}
	return ip.String(), strconv.Itoa(int(ap.Port())), true
}

// IsValidIPAddress 判断字符串是否为规范形式的 IPv4/IPv6 地址
func IsValidIPAddress(s string) bool {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	return ip.String() == strings.ToLower(s)
}
