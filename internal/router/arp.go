package router

import (
	"container/list"
	"net/netip"
	"time"

	"nic-router/internal/packet"
	"nic-router/internal/timer"
)

// arpRetries 等待者发出 ARP 请求的最大次数
const arpRetries = 3

// ARPEntry 地址解析缓存项
type ARPEntry struct {
	IP    netip.Addr
	MAC   packet.MAC
	iface *Interface
	elem  *list.Element
}

// Interface 学习到该地址的接口
func (e *ARPEntry) Interface() *Interface { return e.iface }

// ARPCache 域内的地址解析缓存，容量有限，满时淘汰最早的条目
type ARPCache struct {
	max     int
	entries map[netip.Addr]*ARPEntry
	order   *list.List
}

// NewARPCache 创建容量为 size 的缓存
func NewARPCache(size int) *ARPCache {
	return &ARPCache{
		max:     size,
		entries: make(map[netip.Addr]*ARPEntry),
		order:   list.New(),
	}
}

// Find 查找
func (c *ARPCache) Find(ip netip.Addr) (*ARPEntry, bool) {
	e, ok := c.entries[ip]
	return e, ok
}

// Learn 记录地址映射，已存在时更新
func (c *ARPCache) Learn(ip netip.Addr, mac packet.MAC, iface *Interface) *ARPEntry {
	if e, ok := c.entries[ip]; ok {
		e.MAC = mac
		e.iface = iface
		return e
	}
	if c.max > 0 && len(c.entries) >= c.max {
		oldest := c.order.Front()
		c.remove(oldest.Value.(*ARPEntry))
	}
	e := &ARPEntry{IP: ip, MAC: mac, iface: iface}
	e.elem = c.order.PushBack(e)
	c.entries[ip] = e
	return e
}

// PurgeInterface 删除经由 iface 学习的条目
func (c *ARPCache) PurgeInterface(iface *Interface) int {
	n := 0
	for _, e := range c.All() {
		if e.iface == iface {
			c.remove(e)
			n++
		}
	}
	return n
}

// Flush 清空缓存
func (c *ARPCache) Flush() {
	c.entries = make(map[netip.Addr]*ARPEntry)
	c.order.Init()
}

// Len 条目数
func (c *ARPCache) Len() int { return len(c.entries) }

// All 按学习顺序返回全部条目
func (c *ARPCache) All() []*ARPEntry {
	out := make([]*ARPEntry, 0, len(c.entries))
	for e := c.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*ARPEntry))
	}
	return out
}

func (c *ARPCache) remove(e *ARPEntry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.IP)
}

// arpWaiter 等待地址解析的报文
// 同时挂在源接口的 ownWaiters 与目标域的 foreignWaiters 上
type arpWaiter struct {
	src     *Interface
	dst     *Domain
	ip      netip.Addr
	frame   []byte
	created time.Time
	tries   int
	timer   *timer.Timer
	done    bool

	ownElem     *list.Element
	foreignElem *list.Element
}

// postponeForARP 复制报文并挂起，等待 dst 域中 ip 的地址解析
func (i *Interface) postponeForARP(dst *Domain, ip netip.Addr, frame []byte) Outcome {
	if limit := i.router.cfg.MaxARPWaiters; limit > 0 && i.ownWaiters.Len() >= limit {
		i.cancelWaiter(i.ownWaiters.Front().Value.(*arpWaiter))
	}

	first := true
	for e := dst.foreignWaiters.Front(); e != nil; e = e.Next() {
		if e.Value.(*arpWaiter).ip == ip {
			first = false
			break
		}
	}

	w := &arpWaiter{
		src:     i,
		dst:     dst,
		ip:      ip,
		frame:   append([]byte(nil), frame...),
		created: i.router.timers.Now(),
		tries:   1,
	}
	w.ownElem = i.ownWaiters.PushBack(w)
	w.foreignElem = dst.foreignWaiters.PushBack(w)
	i.stats.ARPWaiters.created()
	i.stats.Postponed++

	if first {
		dst.broadcastARPRequest(ip)
	}
	w.timer = i.router.timers.Schedule(i.router.timeouts.ARPRequest, func() { i.waiterTimeout(w) })
	return postponed
}

func (i *Interface) waiterTimeout(w *arpWaiter) {
	if w.tries >= arpRetries {
		i.log.Debug("地址解析超时 %s", w.ip)
		i.cancelWaiter(w)
		return
	}
	w.tries++
	w.dst.broadcastARPRequest(w.ip)
	w.timer = i.router.timers.Schedule(i.router.timeouts.ARPRequest, func() { i.waiterTimeout(w) })
}

// cancelWaiter 丢弃等待中的报文
func (i *Interface) cancelWaiter(w *arpWaiter) {
	if w.done {
		return
	}
	w.done = true
	w.timer.Stop()
	w.timer = nil
	i.ownWaiters.Remove(w.ownElem)
	w.dst.foreignWaiters.Remove(w.foreignElem)
	i.stats.ARPWaiters.destroyed()
}

// cancelAllWaiters 丢弃接口自己的全部等待者
func (i *Interface) cancelAllWaiters() {
	for _, w := range waitersOf(i.ownWaiters) {
		i.cancelWaiter(w)
	}
}

// resolveWaiters 地址解析完成后重新处理所有等待该地址的报文
// 重新处理在源接口上同步进行，只解析这一跳：重新处理时再次挂起的报文
// 进入新的等待者，不会在本次调用中再被处理
func (d *Domain) resolveWaiters(ip netip.Addr) int {
	var ready []*arpWaiter
	for _, w := range waitersOf(d.foreignWaiters) {
		if w.ip == ip {
			ready = append(ready, w)
		}
	}
	for _, w := range ready {
		if w.done {
			continue
		}
		w.src.cancelWaiter(w)
		w.src.handlePacket(w.frame)
	}
	return len(ready)
}

// cancelForeignWaiters 丢弃所有等待本域地址解析的报文
func (d *Domain) cancelForeignWaiters() {
	for _, w := range waitersOf(d.foreignWaiters) {
		w.src.cancelWaiter(w)
	}
}

func waitersOf(l *list.List) []*arpWaiter {
	out := make([]*arpWaiter, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*arpWaiter))
	}
	return out
}
