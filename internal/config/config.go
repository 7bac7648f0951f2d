package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig 定义服务器配置结构
type ServerConfig struct {
	// 监听配置
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Backlog int    `mapstructure:"backlog"`

	// 循环与超时
	AcceptPollInterval time.Duration `mapstructure:"accept_poll_interval"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	ReceiveTimeout     time.Duration `mapstructure:"receive_timeout"`
	TransmitTimeout    time.Duration `mapstructure:"transmit_timeout"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	// InactivityTimeout 为 0 时不检测空闲连接
	InactivityTimeout  time.Duration `mapstructure:"inactivity_timeout"`

	// 连接限制
	MaxConnections int `mapstructure:"max_connections"`
	MaxMessageSize int `mapstructure:"max_message_size"`

	// TLS 配置
	TLS TLSConfig `mapstructure:"tls"`

	// 日志配置
	Log LogConfig `mapstructure:"log"`
}

// TLSConfig 证书文件路径，CertFile 为空表示明文
type TLSConfig struct {
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	ClientCAFile string `mapstructure:"client_ca_file"`
}

// Enabled 是否配置了证书
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// LogConfig 日志配置
type LogConfig struct {
	Debug bool   `mapstructure:"debug"`
	File  string `mapstructure:"file"`
}

// EnvPrefix 环境变量前缀，例如 SOCKKIT_PORT、SOCKKIT_TLS_CERT_FILE
const EnvPrefix = "SOCKKIT"

var ErrInvalidConfig = errors.New("invalid configuration")

// SetDefaults 设置默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("host", "")
	v.SetDefault("port", 7070)
	v.SetDefault("backlog", 20)
	v.SetDefault("accept_poll_interval", time.Second)
	v.SetDefault("poll_interval", 50*time.Millisecond)
	v.SetDefault("receive_timeout", 30*time.Second)
	v.SetDefault("transmit_timeout", 30*time.Second)
	v.SetDefault("handshake_timeout", 10*time.Second)
	v.SetDefault("inactivity_timeout", 0)
	v.SetDefault("max_connections", 0)
	v.SetDefault("max_message_size", 1<<20)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.client_ca_file", "")
	v.SetDefault("log.debug", false)
	v.SetDefault("log.file", "")
}

// NewViper 创建带默认值和环境变量绑定的 viper 实例
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig 加载配置文件，configPath 为空时只使用默认值和环境变量
func LoadConfig(configPath string) (*ServerConfig, error) {
	v := NewViper()
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return Decode(v)
}

// Decode 从已配置的 viper 实例解析并校验配置
func Decode(v *viper.Viper) (*ServerConfig, error) {
	config := &ServerConfig{}
	if err := v.Unmarshal(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 校验配置
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.Backlog <= 0 {
		return fmt.Errorf("%w: backlog must be positive", ErrInvalidConfig)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("%w: max_connections must not be negative", ErrInvalidConfig)
	}
	if c.InactivityTimeout < 0 {
		return fmt.Errorf("%w: inactivity_timeout must not be negative", ErrInvalidConfig)
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("%w: max_message_size must not be negative", ErrInvalidConfig)
	}
	if c.TLS.Enabled() && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls requires both cert_file and key_file", ErrInvalidConfig)
	}
	if c.TLS.ClientCAFile != "" && !c.TLS.Enabled() {
		return fmt.Errorf("%w: client_ca_file requires a server certificate", ErrInvalidConfig)
	}
	return nil
}
