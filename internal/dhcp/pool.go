package dhcp

import (
	"encoding/binary"
	"math/bits"
	"net/netip"

	"github.com/pkg/errors"
)

var (
	// ErrPoolExhausted 地址池已无可用地址
	ErrPoolExhausted = errors.New("dhcp: address pool exhausted")

	// ErrAddrInUse 地址已被占用
	ErrAddrInUse = errors.New("dhcp: address in use")

	// ErrOutOfRange 地址不在地址池内
	ErrOutOfRange = errors.New("dhcp: address out of range")
)

// IPAllocator 连续地址区间上的位图分配器
type IPAllocator struct {
	first uint32
	size  int
	used  []uint64
	count int
	next  int
}

// NewIPAllocator 创建覆盖 [first, last] 的分配器
func NewIPAllocator(first, last netip.Addr) (*IPAllocator, error) {
	if !first.Is4() || !last.Is4() {
		return nil, errors.Errorf("地址池 %s-%s 不是 IPv4", first, last)
	}
	f, l := addrToUint(first), addrToUint(last)
	if l < f {
		return nil, errors.Errorf("地址池 %s-%s 无效", first, last)
	}
	size := int(l-f) + 1
	return &IPAllocator{
		first: f,
		size:  size,
		used:  make([]uint64, (size+63)/64),
	}, nil
}

// Alloc 分配一个空闲地址，从上次分配的位置之后开始查找
func (a *IPAllocator) Alloc() (netip.Addr, error) {
	if a.count >= a.size {
		return netip.Addr{}, ErrPoolExhausted
	}
	for i := 0; i < a.size; i++ {
		idx := (a.next + i) % a.size
		if !a.isSet(idx) {
			a.set(idx)
			a.next = (idx + 1) % a.size
			return uintToAddr(a.first + uint32(idx)), nil
		}
	}
	return netip.Addr{}, ErrPoolExhausted
}

// AllocAddr 分配指定地址
func (a *IPAllocator) AllocAddr(ip netip.Addr) error {
	idx, ok := a.index(ip)
	if !ok {
		return ErrOutOfRange
	}
	if a.isSet(idx) {
		return ErrAddrInUse
	}
	a.set(idx)
	return nil
}

// Free 释放地址，未分配或不在池内的地址被忽略
func (a *IPAllocator) Free(ip netip.Addr) {
	idx, ok := a.index(ip)
	if !ok || !a.isSet(idx) {
		return
	}
	a.used[idx/64] &^= 1 << (idx % 64)
	a.count--
}

// Contains 地址是否在池内
func (a *IPAllocator) Contains(ip netip.Addr) bool {
	_, ok := a.index(ip)
	return ok
}

// InUse 地址是否已分配
func (a *IPAllocator) InUse(ip netip.Addr) bool {
	idx, ok := a.index(ip)
	return ok && a.isSet(idx)
}

// Used 已分配数量
func (a *IPAllocator) Used() int { return a.count }

// Size 地址池容量
func (a *IPAllocator) Size() int { return a.size }

// Available 空闲数量（由位图统计，用于报告）
func (a *IPAllocator) Available() int {
	n := 0
	for _, w := range a.used {
		n += bits.OnesCount64(w)
	}
	return a.size - n
}

func (a *IPAllocator) index(ip netip.Addr) (int, bool) {
	if !ip.Is4() {
		return 0, false
	}
	v := addrToUint(ip)
	if v < a.first || int(v-a.first) >= a.size {
		return 0, false
	}
	return int(v - a.first), true
}

func (a *IPAllocator) isSet(idx int) bool { return a.used[idx/64]&(1<<(idx%64)) != 0 }

func (a *IPAllocator) set(idx int) {
	a.used[idx/64] |= 1 << (idx % 64)
	a.count++
}

func addrToUint(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uintToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
