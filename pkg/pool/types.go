package pool

import "errors"

// ConnectionType 连接的安全类型
type ConnectionType int

const (
	Plain                    ConnectionType = iota // 明文
	CertifiedServer                                // TLS，仅服务端证书
	CertifiedServerAndClient                       // TLS，双向认证
)

func (t ConnectionType) String() string {
	switch t {
	case Plain:
		return "plain"
	case CertifiedServer:
		return "certified-server"
	case CertifiedServerAndClient:
		return "certified-server-and-client"
	default:
		return "unknown"
	}
}

// Secure 是否为 TLS 连接
func (t ConnectionType) Secure() bool {
	return t == CertifiedServer || t == CertifiedServerAndClient
}

var (
	// ErrConnectionRemoved 连接已从连接池移除，不能再进行读写或重新插入
	ErrConnectionRemoved = errors.New("connection removed from pool")
	// ErrPooled 连接仍在连接池中，只能通过 Pool.Remove 关闭
	ErrPooled = errors.New("connection is owned by a pool")
)
