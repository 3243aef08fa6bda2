package router

import (
	"github.com/pkg/errors"

	"nic-router/internal/config"
)

// PortAllocator NAT 端口（或 ICMP 标识符）分配器
// 按顺序轮转分配，避免刚释放的端口立即被复用
type PortAllocator struct {
	first uint16
	last  uint16
	next  uint16
	used  map[uint16]struct{}
}

// NewPortAllocator 创建覆盖 [r.First, r.Last] 的分配器
func NewPortAllocator(r config.PortRange) (*PortAllocator, error) {
	if r.Size() == 0 {
		return nil, errors.Errorf("端口区间 %d-%d 无效", r.First, r.Last)
	}
	return &PortAllocator{
		first: r.First,
		last:  r.Last,
		next:  r.First,
		used:  make(map[uint16]struct{}),
	}, nil
}

// Alloc 分配一个空闲端口
func (p *PortAllocator) Alloc() (uint16, bool) {
	size := p.Size()
	if len(p.used) >= size {
		return 0, false
	}
	port := p.next
	for i := 0; i < size; i++ {
		if _, ok := p.used[port]; !ok {
			p.used[port] = struct{}{}
			p.next = p.advance(port)
			return port, true
		}
		port = p.advance(port)
	}
	return 0, false
}

// Occupy 占用指定端口，端口越界或已占用时返回 false
func (p *PortAllocator) Occupy(port uint16) bool {
	if !p.Contains(port) {
		return false
	}
	if _, ok := p.used[port]; ok {
		return false
	}
	p.used[port] = struct{}{}
	return true
}

// Release 释放端口
func (p *PortAllocator) Release(port uint16) {
	delete(p.used, port)
}

// Contains 端口是否在区间内
func (p *PortAllocator) Contains(port uint16) bool {
	return port >= p.first && port <= p.last
}

// InUse 端口是否已占用
func (p *PortAllocator) InUse(port uint16) bool {
	_, ok := p.used[port]
	return ok
}

// Used 已占用数量
func (p *PortAllocator) Used() int { return len(p.used) }

// Size 区间大小
func (p *PortAllocator) Size() int { return int(p.last) - int(p.first) + 1 }

func (p *PortAllocator) advance(port uint16) uint16 {
	if port == p.last {
		return p.first
	}
	return port + 1
}
