// Package timer 提供由事件循环驱动的一次性定时器队列。
//
// 队列本身不启动 goroutine：事件循环通过 Next 得到最近的到期时刻，
// 等待到期后调用 Fire 执行所有已到期的回调。回调在调用 Fire 的
// goroutine 中同步执行，因此与报文处理不会并发。
package timer

import (
	"container/heap"
	"time"

	"github.com/benbjohnson/clock"
)

// Timer 一次性定时器
type Timer struct {
	when  time.Time
	fn    func()
	index int
	q     *Queue
}

// Stop 取消定时器，返回定时器是否仍在等待
func (t *Timer) Stop() bool {
	if t == nil || t.index < 0 {
		return false
	}
	heap.Remove(&t.q.h, t.index)
	return true
}

// Pending 定时器是否尚未触发或取消
func (t *Timer) Pending() bool { return t != nil && t.index >= 0 }

// When 到期时刻
func (t *Timer) When() time.Time { return t.when }

// Queue 定时器队列
type Queue struct {
	clock clock.Clock
	h     timerHeap
}

// NewQueue 创建使用指定时钟的队列
func NewQueue(c clock.Clock) *Queue {
	return &Queue{clock: c}
}

// Now 当前时刻
func (q *Queue) Now() time.Time { return q.clock.Now() }

// Clock 队列使用的时钟
func (q *Queue) Clock() clock.Clock { return q.clock }

// Schedule 在 d 之后执行 fn
func (q *Queue) Schedule(d time.Duration, fn func()) *Timer {
	t := &Timer{when: q.clock.Now().Add(d), fn: fn, q: q}
	heap.Push(&q.h, t)
	return t
}

// Reset 停止 t（可为 nil）并重新安排
func (q *Queue) Reset(t *Timer, d time.Duration, fn func()) *Timer {
	t.Stop()
	return q.Schedule(d, fn)
}

// Next 最近的到期时刻
func (q *Queue) Next() (time.Time, bool) {
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].when, true
}

// Len 等待中的定时器数
func (q *Queue) Len() int { return len(q.h) }

// Fire 执行所有到期的定时器，返回执行的数量
// 回调中新安排且已到期的定时器在同一次调用中执行
func (q *Queue) Fire() int {
	n := 0
	now := q.clock.Now()
	for len(q.h) > 0 && !q.h[0].when.After(now) {
		t := heap.Pop(&q.h).(*Timer)
		t.fn()
		n++
	}
	return n
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
