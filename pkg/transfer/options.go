package transfer

import (
	"bytes"
	"time"

	"sockkit/pkg/socket"
)

// DefaultBufferSize 单次读取的缓冲区大小
const DefaultBufferSize = 32 * 1024

// EndDetector 判断已累计的数据是否构成完整消息。
// 每次读到新数据后以全部累计数据调用，必须是纯函数。
type EndDetector func(received []byte) bool

// EndsWith 累计数据以 marker 结尾时完成
func EndsWith(marker []byte) EndDetector {
	m := bytes.Clone(marker)
	return func(received []byte) bool {
		return bytes.HasSuffix(received, m)
	}
}

// Contains 累计数据包含 marker 时完成
func Contains(marker []byte) EndDetector {
	m := bytes.Clone(marker)
	return func(received []byte) bool {
		return bytes.Contains(received, m)
	}
}

// ProgressFunc 每次有字节传输后调用，total 对接收为 0
type ProgressFunc func(transferred, total int)

type options struct {
	pollInterval time.Duration
	bufferSize   int
	maxBytes     int
	progress     ProgressFunc
	activity     func()
}

// Option 传输选项
type Option func(*options)

// WithPollInterval 设置检查中止标志的间隔
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithBufferSize 设置单次读取缓冲区大小
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithMaxBytes 限制单条消息的最大字节数，0 表示不限制
func WithMaxBytes(n int) Option {
	return func(o *options) {
		o.maxBytes = n
	}
}

// WithProgress 设置进度回调
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) {
		o.progress = fn
	}
}

// WithActivity 每次有字节传输后调用 fn，与 WithProgress 互不影响
func WithActivity(fn func()) Option {
	return func(o *options) {
		o.activity = fn
	}
}

func buildOptions(opts []Option) options {
	o := options{
		pollInterval: socket.DefaultPollInterval,
		bufferSize:   DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
