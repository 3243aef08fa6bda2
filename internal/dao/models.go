package dao

import (
	"time"

	"nic-router/internal/report"
)

// LeaseRecord DHCP 租约事件记录
type LeaseRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Kind      string    `gorm:"size:16;index" json:"kind"`
	Domain    string    `gorm:"size:64;index" json:"domain"`
	Interface string    `gorm:"size:64" json:"interface"`
	MAC       string    `gorm:"size:17;index" json:"mac"`
	IP        string    `gorm:"size:15" json:"ip"`
	At        time.Time `gorm:"index" json:"at"`
}

// StatsSnapshot 某接口某协议的链路计数快照
type StatsSnapshot struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	Interface string            `gorm:"size:64;index" json:"interface"`
	Domain    string            `gorm:"size:64" json:"domain"`
	Protocol  string            `gorm:"size:8" json:"protocol"`
	Counters  map[string]uint64 `gorm:"serializer:json" json:"counters"`
	At        time.Time         `gorm:"index" json:"at"`
}

// Models 需要迁移的全部模型
func Models() []interface{} {
	return []interface{}{&LeaseRecord{}, &StatsSnapshot{}}
}

func leaseRecord(ev report.LeaseEvent) *LeaseRecord {
	return &LeaseRecord{
		Kind:      string(ev.Kind),
		Domain:    ev.Domain,
		Interface: ev.Interface,
		MAC:       ev.MAC,
		IP:        ev.IP,
		At:        ev.At,
	}
}

func statsSnapshot(s report.LinkSnapshot) *StatsSnapshot {
	return &StatsSnapshot{
		Interface: s.Interface,
		Domain:    s.Domain,
		Protocol:  s.Protocol,
		Counters:  s.Counters,
		At:        s.At,
	}
}
