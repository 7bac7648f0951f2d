package secure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"time"

	"sockkit/pkg/transfer"
)

// maxWriteChunk 单次 WriteSome 写入的明文上限，对应一条 TLS 记录
const maxWriteChunk = 16 * 1024

// Channel 握手完成后的 TLS 通道，实现 transfer.Channel。
// 写入出错后 tls.Conn 不再可写，后续写入都会返回同一错误。
type Channel struct {
	raw  *transfer.FDChannel
	conn *tls.Conn
	fc   *fdConn
}

var _ transfer.Channel = (*Channel)(nil)

func (c *Channel) Fd() int { return c.raw.Fd() }

func (c *Channel) Secure() bool { return true }

func (c *Channel) ReadAvailable(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, transfer.ErrWouldBlock):
		return n, transfer.ErrWouldBlock
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return n, io.EOF
	default:
		return n, fmt.Errorf("tls read: %w", err)
	}
}

func (c *Channel) WriteSome(ctx context.Context, p []byte, deadline time.Time) (int, error) {
	if len(p) > maxWriteChunk {
		p = p[:maxWriteChunk]
	}
	c.fc.prepareWrite(ctx, deadline)
	defer c.fc.releaseWrite()
	n, err := c.conn.Write(p)
	if err == nil {
		return n, nil
	}
	switch {
	case errors.Is(err, transfer.ErrAborted):
		return n, transfer.ErrAborted
	case errors.Is(err, transfer.ErrWouldBlock):
		return n, err
	default:
		return n, fmt.Errorf("tls write: %w", err)
	}
}

// Close 发送 close_notify 后关闭底层套接字
func (c *Channel) Close() error {
	c.fc.prepareWrite(context.Background(), time.Now().Add(time.Second))
	// close_notify 发送失败时套接字仍已关闭
	if err := c.conn.Close(); err != nil && c.raw.Fd() >= 0 {
		return err
	}
	return nil
}

// ConnectionState 返回协商结果
func (c *Channel) ConnectionState() tls.ConnectionState {
	return c.conn.ConnectionState()
}

// PeerCertificates 对端提供的证书链
func (c *Channel) PeerCertificates() []*x509.Certificate {
	return c.conn.ConnectionState().PeerCertificates
}
