package secure

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"sockkit/pkg/pool"
)

var (
	// ErrKeyMismatch 私钥与证书公钥不匹配
	ErrKeyMismatch = errors.New("private key does not match certificate")
	// ErrNoCertificate 未配置服务端证书或私钥
	ErrNoCertificate = errors.New("certificate and key are required")
	// ErrNoClientCA 客户端 CA 中没有可用证书
	ErrNoClientCA = errors.New("no certificates found in client CA")
)

// Config TLS 配置。PEM 字段优先于对应的文件路径
type Config struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string

	CertPEM     []byte
	KeyPEM      []byte
	ClientCAPEM []byte

	// MinVersion 默认 TLS 1.2
	MinVersion uint16
}

// Context 已加载的服务端 TLS 上下文
type Context struct {
	config *tls.Config
	typ    pool.ConnectionType
}

// Type 该上下文接受的连接类型
func (c *Context) Type() pool.ConnectionType {
	return c.typ
}

// TLSConfig 返回底层 tls.Config 的副本
func (c *Context) TLSConfig() *tls.Config {
	return c.config.Clone()
}

// Load 读取证书和私钥，校验二者匹配后构建服务端上下文。
// 配置了客户端 CA 时要求并校验客户端证书。
func Load(cfg *Config) (*Context, error) {
	if cfg == nil {
		return nil, ErrNoCertificate
	}
	certPEM, err := pemOrFile(cfg.CertPEM, cfg.CertFile)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := pemOrFile(cfg.KeyPEM, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return nil, ErrNoCertificate
	}

	cert, err := VerifyKeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.MinVersion != 0 {
		tc.MinVersion = cfg.MinVersion
	}

	ctx := &Context{config: tc, typ: pool.CertifiedServer}

	caPEM, err := pemOrFile(cfg.ClientCAPEM, cfg.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	if len(caPEM) > 0 {
		cas := x509.NewCertPool()
		if !cas.AppendCertsFromPEM(caPEM) {
			return nil, ErrNoClientCA
		}
		tc.ClientCAs = cas
		tc.ClientAuth = tls.RequireAndVerifyClientCert
		ctx.typ = pool.CertifiedServerAndClient
	}
	return ctx, nil
}

func pemOrFile(data []byte, path string) ([]byte, error) {
	if len(data) > 0 || path == "" {
		return data, nil
	}
	return os.ReadFile(path)
}

// VerifyKeyPair 校验私钥与证书的公钥对应，返回可用于 TLS 的证书
func VerifyKeyPair(certPEM, keyPEM []byte) (tls.Certificate, error) {
	leaf, err := parseLeaf(certPEM)
	if err != nil {
		return tls.Certificate{}, err
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return tls.Certificate{}, err
	}

	pub, ok := leaf.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(key.Public()) {
		return tls.Certificate{}, ErrKeyMismatch
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load key pair: %w", err)
	}
	return cert, nil
}

func parseLeaf(certPEM []byte) (*x509.Certificate, error) {
	rest := certPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.New("no certificate PEM block found")
		}
		if block.Type == "CERTIFICATE" {
			leaf, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			return leaf, nil
		}
	}
}

func parsePrivateKey(keyPEM []byte) (crypto.Signer, error) {
	rest := keyPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.New("no private key PEM block found")
		}
		switch block.Type {
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse private key: %w", err)
			}
			signer, ok := k.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("unsupported private key type %T", k)
			}
			return signer, nil
		case "RSA PRIVATE KEY":
			k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse private key: %w", err)
			}
			return k, nil
		case "EC PRIVATE KEY":
			k, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse private key: %w", err)
			}
			return k, nil
		}
	}
}
