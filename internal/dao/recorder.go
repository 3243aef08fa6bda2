package dao

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"nic-router/internal/logging"
	"nic-router/internal/report"
)

// RecorderOption 记录器选项
type RecorderOption func(*Recorder)

// WithQueueSize 设置待写入队列长度
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithRetention 只保留最近 d 时长内的记录，0 表示不清理
func WithRetention(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		r.retention = d
	}
}

// WithRecorderLogger 设置日志记录器
func WithRecorderLogger(l *logging.Logger) RecorderOption {
	return func(r *Recorder) {
		r.log = l
	}
}

type pending struct {
	lease *LeaseRecord
	snaps []*StatsSnapshot
}

// Recorder 把租约事件与统计快照异步写入数据库
//
// RecordLease 和 RecordSnapshots 在路由器事件循环中调用，不会阻塞：
// 队列满时记录被丢弃并计数。写入由单独的 goroutine 完成。
type Recorder struct {
	mgr       DAOManager
	log       *logging.Logger
	queueSize int
	retention time.Duration

	queue   chan pending
	quit    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
	written atomic.Uint64
}

var _ report.Recorder = (*Recorder)(nil)

// NewRecorder 创建并启动记录器
func NewRecorder(mgr DAOManager, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		mgr:       mgr,
		log:       logging.GetLogger().Named("dao"),
		queueSize: 256,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.queue = make(chan pending, r.queueSize)
	r.quit = make(chan struct{})

	r.wg.Add(1)
	go r.loop()
	return r
}

// RecordLease 记录一次租约变化
func (r *Recorder) RecordLease(ev report.LeaseEvent) {
	r.enqueue(pending{lease: leaseRecord(ev)})
}

// RecordSnapshots 记录一组链路统计快照
func (r *Recorder) RecordSnapshots(snaps []report.LinkSnapshot) {
	if len(snaps) == 0 {
		return
	}
	rows := make([]*StatsSnapshot, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, statsSnapshot(s))
	}
	r.enqueue(pending{snaps: rows})
}

func (r *Recorder) enqueue(p pending) {
	select {
	case <-r.quit:
		r.dropped.Add(1)
		return
	default:
	}
	select {
	case r.queue <- p:
	default:
		if r.dropped.Add(1) == 1 {
			r.log.Warn("持久化队列已满，丢弃记录")
		}
	}
}

// Dropped 因队列满或已关闭而丢弃的记录数
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written 成功写入的批次数
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Close 写完队列中剩余的记录后停止，不关闭数据库
func (r *Recorder) Close() error {
	r.once.Do(func() {
		close(r.quit)
	})
	r.wg.Wait()
	return nil
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	ctx := context.Background()

	for {
		select {
		case p := <-r.queue:
			r.write(ctx, p)
		case <-r.quit:
			for {
				select {
				case p := <-r.queue:
					r.write(ctx, p)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, p pending) {
	if p.lease != nil {
		if err := r.mgr.Leases().Create(ctx, p.lease); err != nil {
			r.log.Error("写入租约记录失败: %v", err)
			return
		}
		r.written.Add(1)
		r.prune(ctx, r.mgr.Leases(), p.lease.At)
	}
	if len(p.snaps) > 0 {
		if err := r.mgr.Snapshots().CreateBatch(ctx, p.snaps); err != nil {
			r.log.Error("写入统计快照失败: %v", err)
			return
		}
		r.written.Add(1)
		r.prune(ctx, r.mgr.Snapshots(), p.snaps[0].At)
	}
}

type pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

func (r *Recorder) prune(ctx context.Context, dao pruner, now time.Time) {
	if r.retention <= 0 {
		return
	}
	n, err := dao.Prune(ctx, now.Add(-r.retention))
	if err != nil {
		r.log.Error("清理过期记录失败: %v", err)
		return
	}
	if n > 0 {
		r.log.Debug("清理过期记录 %d 条", n)
	}
}
