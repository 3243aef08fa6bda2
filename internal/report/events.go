package report

import "time"

// LeaseEventKind 租约事件类型
type LeaseEventKind string

const (
	LeaseOffered  LeaseEventKind = "offered"
	LeaseBound    LeaseEventKind = "bound"
	LeaseReleased LeaseEventKind = "released"
	LeaseExpired  LeaseEventKind = "expired"
)

// LeaseEvent 一次 DHCP 租约变化
type LeaseEvent struct {
	Kind      LeaseEventKind
	Domain    string
	Interface string
	MAC       string
	IP        string
	At        time.Time
}

// LinkSnapshot 某接口某协议的链路统计快照
type LinkSnapshot struct {
	Interface string
	Domain    string
	Protocol  string
	Counters  map[string]uint64
	At        time.Time
}

// Recorder 报告与事件的持久化目标
// 实现必须是非阻塞的，调用发生在路由器事件循环中
type Recorder interface {
	RecordLease(ev LeaseEvent)
	RecordSnapshots(snaps []LinkSnapshot)
}

// NopRecorder 不做任何记录
type NopRecorder struct{}

func (NopRecorder) RecordLease(LeaseEvent)         {}
func (NopRecorder) RecordSnapshots([]LinkSnapshot) {}
