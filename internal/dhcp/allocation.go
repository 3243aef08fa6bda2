package dhcp

import (
	"bytes"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"nic-router/internal/packet"
	"nic-router/internal/timer"
)

// Allocation 一个客户端 MAC 的地址分配
type Allocation struct {
	// MAC 客户端MAC地址
	MAC packet.MAC

	// IP 分配的地址
	IP netip.Addr

	// Bound 是否已通过 REQUEST/ACK 确认，未确认的分配只是 OFFER
	Bound bool

	// Expires 到期时刻
	Expires time.Time

	// Timer 到期定时器，由拥有该分配的接口安排
	Timer *timer.Timer

	pool *IPAllocator
}

// Pool 分配所属的地址池
func (a *Allocation) Pool() *IPAllocator { return a.pool }

// Rehome 把分配迁移到新的地址池（重新配置后地址池对象会被替换）
func (a *Allocation) Rehome(p *IPAllocator) error {
	if a.pool == p {
		return nil
	}
	if err := p.AllocAddr(a.IP); err != nil {
		return err
	}
	a.pool = p
	return nil
}

// free 停止定时器并归还地址
// 地址池已被替换时旧池不再使用，归还到旧池是无害的
func (a *Allocation) free() {
	a.Timer.Stop()
	a.Timer = nil
	if a.pool != nil {
		a.pool.Free(a.IP)
	}
}

func (a *Allocation) String() string {
	state := "offered"
	if a.Bound {
		state = "bound"
	}
	return fmt.Sprintf("%s -> %s (%s)", a.MAC, a.IP, state)
}

// AllocationTree 按客户端 MAC 索引的分配表，附带待回收的已释放列表
//
// 释放的分配先移入 released 列表，其地址在 DestroyReleased 之前保持占用，
// 因此同一报文处理过程中重复的 RELEASE 不会影响其他客户端。
type AllocationTree struct {
	allocs   map[packet.MAC]*Allocation
	released []*Allocation
}

// NewAllocationTree 创建空的分配表
func NewAllocationTree() *AllocationTree {
	return &AllocationTree{allocs: make(map[packet.MAC]*Allocation)}
}

// Find 按 MAC 查找
func (t *AllocationTree) Find(mac packet.MAC) (*Allocation, bool) {
	a, ok := t.allocs[mac]
	return a, ok
}

// Allocate 为 mac 返回已有分配，或从地址池中分配新地址
//
// 参数：
//   - mac: 客户端MAC地址
//   - pool: 域地址池
//   - requested: 客户端期望的地址，空闲时优先分配，可为零值
//
// 返回值：
//   - 分配对象，以及是否为新创建
func (t *AllocationTree) Allocate(mac packet.MAC, pool *IPAllocator, requested netip.Addr) (*Allocation, bool, error) {
	if a, ok := t.allocs[mac]; ok {
		return a, false, nil
	}
	var ip netip.Addr
	if requested.IsValid() && pool.AllocAddr(requested) == nil {
		ip = requested
	} else {
		var err error
		if ip, err = pool.Alloc(); err != nil {
			return nil, false, err
		}
	}
	a := &Allocation{MAC: mac, IP: ip, pool: pool}
	t.allocs[mac] = a
	return a, true, nil
}

// Release 把分配移入已释放列表，不存在时什么也不做
func (t *AllocationTree) Release(mac packet.MAC) (*Allocation, bool) {
	a, ok := t.allocs[mac]
	if !ok {
		return nil, false
	}
	delete(t.allocs, mac)
	a.Timer.Stop()
	a.Timer = nil
	t.released = append(t.released, a)
	return a, true
}

// Destroy 立即销毁一个分配（到期或重新配置后失效）
func (t *AllocationTree) Destroy(a *Allocation) {
	if cur, ok := t.allocs[a.MAC]; ok && cur == a {
		delete(t.allocs, a.MAC)
	}
	a.free()
}

// DestroyReleased 销毁已释放列表中的所有分配，fn 可为 nil
func (t *AllocationTree) DestroyReleased(fn func(*Allocation)) int {
	n := len(t.released)
	for _, a := range t.released {
		a.free()
		if fn != nil {
			fn(a)
		}
	}
	t.released = t.released[:0]
	return n
}

// DestroyAll 销毁全部分配（接口脱离域时调用）
func (t *AllocationTree) DestroyAll(fn func(*Allocation)) int {
	n := 0
	for _, a := range t.All() {
		t.Destroy(a)
		if fn != nil {
			fn(a)
		}
		n++
	}
	return n + t.DestroyReleased(fn)
}

// Len 当前分配数量（不含已释放）
func (t *AllocationTree) Len() int { return len(t.allocs) }

// Released 已释放待销毁数量
func (t *AllocationTree) Released() int { return len(t.released) }

// All 按 MAC 排序返回全部分配
func (t *AllocationTree) All() []*Allocation {
	out := make([]*Allocation, 0, len(t.allocs))
	for _, a := range t.allocs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].MAC[:], out[j].MAC[:]) < 0
	})
	return out
}
