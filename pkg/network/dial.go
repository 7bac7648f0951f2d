package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"sockkit/pkg/pool"
	"sockkit/pkg/secure"
	"sockkit/pkg/socket"
	"sockkit/pkg/transfer"
)

// Dial 连接到 address（host:port）。tlsConfig 非 nil 时完成客户端握手。
// 返回的连接不属于任何连接池，使用完毕后调用 Close，也可以插入宿主自己的连接池。
// ctx 的截止时间同时约束连接和握手
func Dial(ctx context.Context, address string, tlsConfig *tls.Config) (*pool.Connection, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	addrs, err := resolve(ctx, address)
	if err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()

	var fd int
	var peer socket.Address
	for _, a := range addrs {
		fd, err = socket.Connect(ctx, a, deadline, socket.DefaultPollInterval)
		if err == nil {
			peer = a
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	raw := transfer.NewFDChannel(fd)
	if tlsConfig == nil {
		return pool.NewConnection(raw, peer, pool.Plain), nil
	}

	cfg := tlsConfig.Clone()
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		host, _, _ := net.SplitHostPort(address)
		cfg.ServerName = host
	}
	ch, hr := secure.ClientHandshake(ctx, raw, cfg, deadline, socket.DefaultPollInterval)
	if hr.Outcome != secure.HandshakeReady {
		_ = raw.Close()
		return nil, fmt.Errorf("dial %s: handshake %s: %w", address, hr.Outcome, hr.Err)
	}

	typ := pool.CertifiedServer
	if len(cfg.Certificates) > 0 || cfg.GetClientCertificate != nil {
		typ = pool.CertifiedServerAndClient
	}
	return pool.NewConnection(ch, peer, typ), nil
}

func resolve(ctx context.Context, address string) ([]socket.Address, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: %q", socket.ErrInvalidPort, portStr)
	}
	if host == "" {
		host = "localhost"
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return []socket.Address{socket.FromAddrPort(netip.AddrPortFrom(ip.Unmap(), uint16(port)))}, nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	out := make([]socket.Address, 0, len(ips))
	for _, ip := range ips {
		out = append(out, socket.FromAddrPort(netip.AddrPortFrom(ip.Unmap(), uint16(port))))
	}
	if len(out) == 0 {
		return nil, socket.ErrNoAddress
	}
	return out, nil
}
