package timer

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFiresInOrder(t *testing.T) {
	mock := clock.NewMock()
	q := NewQueue(mock)

	var fired []string
	q.Schedule(3*time.Second, func() { fired = append(fired, "c") })
	q.Schedule(1*time.Second, func() { fired = append(fired, "a") })
	q.Schedule(2*time.Second, func() { fired = append(fired, "b") })

	next, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, mock.Now().Add(time.Second), next)

	assert.Equal(t, 0, q.Fire())
	mock.Add(2 * time.Second)
	assert.Equal(t, 2, q.Fire())
	assert.Equal(t, []string{"a", "b"}, fired)

	mock.Add(time.Second)
	assert.Equal(t, 1, q.Fire())
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	_, ok = q.Next()
	assert.False(t, ok)
}

func TestTimerStop(t *testing.T) {
	mock := clock.NewMock()
	q := NewQueue(mock)

	hit := 0
	a := q.Schedule(time.Second, func() { hit++ })
	b := q.Schedule(time.Second, func() { hit += 10 })
	assert.True(t, a.Pending())
	assert.True(t, a.Stop())
	assert.False(t, a.Stop())
	assert.False(t, a.Pending())

	var nilTimer *Timer
	assert.False(t, nilTimer.Stop())

	mock.Add(time.Second)
	q.Fire()
	assert.Equal(t, 10, hit)
	assert.False(t, b.Pending())
}

// 回调中重新安排的已到期定时器在同一轮执行
func TestRescheduleFromCallback(t *testing.T) {
	mock := clock.NewMock()
	q := NewQueue(mock)

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			q.Schedule(0, tick)
		}
	}
	q.Schedule(time.Second, tick)
	mock.Add(time.Second)
	assert.Equal(t, 3, q.Fire())

	r := q.Schedule(time.Minute, func() {})
	r = q.Reset(r, time.Hour, func() {})
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, mock.Now().Add(time.Hour), r.When())
}
