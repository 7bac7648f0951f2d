package telemetry

import (
	"sync"

	"github.com/eapache/queue"
)

// DefaultRecorderSize 记录器默认保留的事件数
const DefaultRecorderSize = 256

// Recorder 保留最近 n 条事件的环形记录器
type Recorder struct {
	mu    sync.Mutex
	limit int
	q     *queue.Queue
	total uint64
}

// NewRecorder 创建最多保留 n 条事件的记录器，n <= 0 时使用 DefaultRecorderSize
func NewRecorder(n int) *Recorder {
	if n <= 0 {
		n = DefaultRecorderSize
	}
	return &Recorder{limit: n, q: queue.New()}
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.q.Add(e)
	r.total++
	for r.q.Length() > r.limit {
		r.q.Remove()
	}
}

// Events 按时间顺序返回当前保留的事件副本
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, r.q.Length())
	for i := range out {
		out[i] = r.q.Get(i).(Event)
	}
	return out
}

// Count 当前保留的事件中类型为 kind 的数量
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := 0; i < r.q.Length(); i++ {
		if r.q.Get(i).(Event).Kind == kind {
			n++
		}
	}
	return n
}

// Total 记录过的事件总数，包括已被挤出的
func (r *Recorder) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Reset 清空记录
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.q = queue.New()
	r.total = 0
}
