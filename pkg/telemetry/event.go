package telemetry

import (
	"fmt"
	"time"
)

// Kind 事件类型
type Kind int

const (
	EventStart     Kind = iota + 1 // 服务器开始监听
	EventStop                      // 服务器已停止
	EventAccept                    // 接受新连接
	EventReject                    // 连接被过滤或超出上限
	EventHandshake                 // TLS 握手结束
	EventInsert                    // 连接加入连接池
	EventClose                     // 连接从连接池移除并关闭
	EventReceive                   // 一次接收结束
	EventTransmit                  // 一次发送结束
	EventError                     // 接受循环或连接级错误
	EventInactive                  // 连接空闲超过阈值
)

var kindNames = map[Kind]string{
	EventStart:     "start",
	EventStop:      "stop",
	EventAccept:    "accept",
	EventReject:    "reject",
	EventHandshake: "handshake",
	EventInsert:    "insert",
	EventClose:     "close",
	EventReceive:   "receive",
	EventTransmit:  "transmit",
	EventError:     "error",
	EventInactive:  "inactive",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event 一条遥测事件，未使用的字段保持零值
type Event struct {
	Kind    Kind
	Time    time.Time
	ConnID  uint64
	Peer    string
	Bytes   int
	Outcome string
	Err     error
}

// Sink 事件接收端，实现必须可以并发调用
type Sink interface {
	Emit(Event)
}

// SinkFunc 把函数适配为 Sink
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type nop struct{}

func (nop) Emit(Event) {}

// Nop 丢弃所有事件
var Nop Sink = nop{}

type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi 把事件依次分发给多个 Sink，nil 会被忽略
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	switch len(m) {
	case 0:
		return Nop
	case 1:
		return m[0]
	}
	return m
}

// Emit 向 s 发送事件并补全时间戳，s 为 nil 时丢弃
func Emit(s Sink, e Event) {
	if s == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.Emit(e)
}
