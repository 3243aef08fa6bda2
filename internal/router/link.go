package router

import (
	"container/list"
	"fmt"
	"net/netip"

	"nic-router/internal/timer"
)

// LinkState 链路状态
type LinkState int

const (
	StateOpening LinkState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return "closed"
}

// LinkSideID 链路一侧的四元组，按到达该侧所在域的报文方向记录
// ICMP 查询以标识符同时作为源端口和目的端口
type LinkSideID struct {
	SrcIP   netip.Addr
	SrcPort uint16
	DstIP   netip.Addr
	DstPort uint16
}

func (id LinkSideID) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d", id.SrcIP, id.SrcPort, id.DstIP, id.DstPort)
}

// LinkSide 链路的一侧，登记在所在域的链路表中
type LinkSide struct {
	ID     LinkSideID
	link   *Link
	domain *Domain
}

// Link 一个被跟踪的连接
//
// 客户侧登记在发起方所在域，服务侧登记在目标域；两侧共享同一个 Link。
// 从客户侧到达的报文按服务侧的反向四元组改写后发往目标域，反之亦然。
type Link struct {
	protocol Protocol
	client   LinkSide
	server   LinkSide

	// owner 发起链路的接口，统计与生命周期都归属于它
	owner *Interface

	// natPool 非 nil 时 natPort 是从该池中分配的端口
	natPool *PortAllocator
	natPort uint16

	state     LinkState
	dissolved bool
	clientFin bool
	serverFin bool

	timer *timer.Timer
	elem  *list.Element
}

// Protocol 链路协议
func (l *Link) Protocol() Protocol { return l.protocol }

// State 链路状态
func (l *Link) State() LinkState { return l.state }

// Dissolved 链路是否已解除（仍可转发残余报文，但不再改变状态）
func (l *Link) Dissolved() bool { return l.dissolved }

// ClientID 客户侧四元组
func (l *Link) ClientID() LinkSideID { return l.client.ID }

// ServerID 服务侧四元组
func (l *Link) ServerID() LinkSideID { return l.server.ID }

// NATPort 分配的转换端口，未做地址转换时为 0
func (l *Link) NATPort() uint16 {
	if l.natPool == nil {
		return 0
	}
	return l.natPort
}

func (l *Link) String() string {
	return fmt.Sprintf("%s %s | %s (%s)", l.protocol, l.client.ID, l.server.ID, l.state)
}

// other 报文从 side 到达时的转发目标侧
func (s *LinkSide) other() *LinkSide {
	if s == &s.link.client {
		return &s.link.server
	}
	return &s.link.client
}

func (s *LinkSide) isClient() bool { return s == &s.link.client }

// linkLists 接口拥有的某协议链路，分为活动与已解除两个列表
type linkLists struct {
	active    *list.List
	dissolved *list.List
}

func newLinkLists() linkLists {
	return linkLists{active: list.New(), dissolved: list.New()}
}

// segmentInfo 报文中影响链路状态的部分
type segmentInfo struct {
	fin bool
	rst bool
	syn bool
	ack bool
}

// newLink 为新连接创建链路，资源不足时返回 Retry 结果
//
// 参数：
//   - client: 发起方所在域
//   - remote: 目标域
//   - id: 客户侧四元组
//   - dst, dport: 目标域中的实际目的地址与端口（端口转发时已替换）
func (i *Interface) newLink(client, remote *Domain, p Protocol, id LinkSideID, dst netip.Addr, dport uint16) (*Link, Outcome) {
	lists := i.links[p]
	if limit := i.router.cfg.MaxLinksPerProtocol; limit > 0 && lists.active.Len()+lists.dissolved.Len() >= limit {
		return nil, retry(p, reasonRAM)
	}

	serverID := LinkSideID{SrcIP: dst, SrcPort: dport, DstIP: id.SrcIP, DstPort: id.SrcPort}
	l := &Link{protocol: p, owner: i, state: StateOpening}

	if nat, ok := remote.settings.NAT(client.Name()); ok {
		pool := nat.Pool(p)
		if pool == nil {
			return nil, retry(p, reasonPorts)
		}
		port, ok := pool.Alloc()
		if !ok {
			return nil, retry(p, reasonPorts)
		}
		l.natPool = pool
		l.natPort = port
		serverID.DstIP = remote.ip.Addr()
		serverID.DstPort = port
		if p == ICMP {
			serverID.SrcPort = port
		}
	}

	if _, exists := remote.links[p][serverID]; exists {
		if l.natPool != nil {
			l.natPool.Release(l.natPort)
		}
		return nil, drop("link %s collides in domain %s", serverID, remote.Name())
	}

	l.client = LinkSide{ID: id, link: l, domain: client}
	l.server = LinkSide{ID: serverID, link: l, domain: remote}
	client.links[p][id] = &l.client
	remote.links[p][serverID] = &l.server

	l.elem = lists.active.PushBack(l)
	i.stats.LinkObjects[p].created()
	*i.stats.Links[p].gauge(l.state)++
	l.timer = i.router.timers.Schedule(i.router.timeouts.linkTimeout(p, l.state), func() { i.linkTimeout(l) })

	i.log.Debug("新建链路 %s", l)
	return l, forwarded
}

// linkPacket 根据经过链路的报文推进状态机并刷新空闲定时器
// 已解除的链路只转发，不改变状态。返回链路是否已关闭
func (i *Interface) linkPacket(l *Link, fromClient bool, seg segmentInfo) bool {
	if l.dissolved {
		return false
	}
	next := l.state
	switch l.protocol {
	case TCP:
		switch {
		case seg.rst:
			next = StateClosed
		default:
			if !fromClient && l.state == StateOpening && seg.syn && seg.ack {
				next = StateOpen
			}
			if seg.fin {
				if fromClient {
					l.clientFin = true
				} else {
					l.serverFin = true
				}
				if next == StateOpening || next == StateOpen {
					next = StateClosing
				}
				if l.clientFin && l.serverFin {
					next = StateClosed
				}
			}
		}
	default:
		if !fromClient && l.state == StateOpening {
			next = StateOpen
		}
	}
	l.setState(next)
	if l.state == StateClosed {
		return true
	}
	l.timer = i.router.timers.Reset(l.timer, i.router.timeouts.linkTimeout(l.protocol, l.state), func() { i.linkTimeout(l) })
	return false
}

func (l *Link) setState(s LinkState) {
	if s == l.state {
		return
	}
	st := &l.owner.stats.Links[l.protocol]
	*st.gauge(l.state)--
	*st.gauge(s)++
	l.state = s
}

func (i *Interface) linkTimeout(l *Link) {
	if l.dissolved {
		i.destroyLink(l)
		return
	}
	i.dissolveLink(l, true)
}

// dissolveLink 解除链路：不再计入状态统计，宽限期后销毁
// 宽限期内两侧仍登记在域链路表中，残余报文照常转发
func (i *Interface) dissolveLink(l *Link, byTimeout bool) {
	if l.dissolved {
		return
	}
	st := &i.stats.Links[l.protocol]
	*st.gauge(l.state)--
	if byTimeout {
		st.dissolvedTimeout(l.state)
	} else {
		st.DissolvedNoTimeout++
	}
	l.dissolved = true

	lists := i.links[l.protocol]
	lists.active.Remove(l.elem)
	l.elem = lists.dissolved.PushBack(l)
	l.timer = i.router.timers.Reset(l.timer, i.router.timeouts.Dissolve, func() { i.destroyLink(l) })
	i.log.Debug("解除链路 %s", l)
}

// destroyLink 从域链路表中移除两侧并归还端口
func (i *Interface) destroyLink(l *Link) {
	lists := i.links[l.protocol]
	st := &i.stats.Links[l.protocol]
	if l.dissolved {
		lists.dissolved.Remove(l.elem)
	} else {
		lists.active.Remove(l.elem)
		*st.gauge(l.state)--
	}
	l.elem = nil

	for _, side := range []*LinkSide{&l.client, &l.server} {
		if cur, ok := side.domain.links[l.protocol][side.ID]; ok && cur == side {
			delete(side.domain.links[l.protocol], side.ID)
		}
	}
	if l.natPool != nil {
		l.natPool.Release(l.natPort)
	}
	l.timer.Stop()
	l.timer = nil

	st.Destroyed++
	i.stats.LinkObjects[l.protocol].destroyed()
}

// discardLink 立即结束链路：活动链路先记为非超时解除，再销毁
func (i *Interface) discardLink(l *Link) {
	if !l.dissolved {
		st := &i.stats.Links[l.protocol]
		*st.gauge(l.state)--
		st.DissolvedNoTimeout++
		l.dissolved = true
		i.links[l.protocol].active.Remove(l.elem)
		l.elem = i.links[l.protocol].dissolved.PushBack(l)
	}
	i.destroyLink(l)
}

// destroyDissolvedLinks 销毁某协议下全部已解除链路以回收端口与内存
func (i *Interface) destroyDissolvedLinks(p Protocol) int {
	n := 0
	for _, l := range linksOf(i.links[p].dissolved) {
		i.destroyLink(l)
		n++
	}
	return n
}

// destroyAllLinks 结束接口拥有的全部链路
func (i *Interface) destroyAllLinks() {
	for p := Protocol(0); p < numProtocols; p++ {
		for _, l := range linksOf(i.links[p].active) {
			i.discardLink(l)
		}
		i.destroyDissolvedLinks(p)
	}
}

// Links 接口拥有的某协议链路快照（活动在前）
func (i *Interface) Links(p Protocol) []*Link {
	return append(linksOf(i.links[p].active), linksOf(i.links[p].dissolved)...)
}

func linksOf(l *list.List) []*Link {
	out := make([]*Link, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Link))
	}
	return out
}

const (
	reasonRAM   = "link table full"
	reasonPorts = "no free NAT port"
)
