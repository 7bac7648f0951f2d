package socket

import (
	"golang.org/x/sys/unix"
)

// SetCapacity ReadinessSet 可容纳的描述符上限（不含）
const SetCapacity = 1024

// ReadinessSet 固定容量的描述符位图
// 超出容量的描述符被静默忽略
type ReadinessSet struct {
	bits unix.FdSet
}

func inRange(fd int) bool {
	return fd >= 0 && fd < SetCapacity
}

// Add 加入描述符
func (s *ReadinessSet) Add(fd int) {
	if inRange(fd) {
		s.bits.Set(fd)
	}
}

// Remove 移除描述符
func (s *ReadinessSet) Remove(fd int) {
	if inRange(fd) {
		s.bits.Clear(fd)
	}
}

// Contains 判断描述符是否在集合中
func (s *ReadinessSet) Contains(fd int) bool {
	if !inRange(fd) {
		return false
	}
	return s.bits.IsSet(fd)
}

// Clear 清空集合
func (s *ReadinessSet) Clear() {
	s.bits.Zero()
}

// Members 按升序返回集合中的描述符
func (s *ReadinessSet) Members() []int {
	var out []int
	for fd := 0; fd < SetCapacity; fd++ {
		if s.bits.IsSet(fd) {
			out = append(out, fd)
		}
	}
	return out
}

// Len 集合中描述符数量
func (s *ReadinessSet) Len() int {
	return len(s.Members())
}
