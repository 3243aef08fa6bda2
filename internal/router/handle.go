package router

import (
	"net/netip"

	"nic-router/internal/config"
	"nic-router/internal/dhcp"
	"nic-router/internal/packet"
)

// flow 一个报文的协议与端口（ICMP 查询为标识符）
type flow struct {
	proto Protocol
	sport uint16
	dport uint16
	seg   segmentInfo
}

// handlePacket 处理一个入站帧
//
// 资源耗尽时先销毁本接口该协议下已解除的链路再重试一次，
// 仍然失败则丢弃并记入 refused 计数。
func (i *Interface) handlePacket(frame []byte) Outcome {
	o := i.handleEth(frame)
	if o.Kind == Retry {
		if i.destroyDissolvedLinks(o.Protocol) > 0 {
			o = i.handleEth(frame)
		}
		if o.Kind == Retry {
			st := &i.stats.Links[o.Protocol]
			if o.Reason == reasonRAM {
				st.RefusedForRAM++
			} else {
				st.RefusedForPorts++
			}
			o = drop("%s link refused: %s", o.Protocol, o.Reason)
		}
	}
	i.dhcpAllocs.DestroyReleased(func(*dhcp.Allocation) { i.stats.DHCPAllocations.destroyed() })

	if o.Kind == Dropped {
		i.stats.Dropped++
		if i.router.cfg.VerbosePackets {
			i.log.Debug("丢弃报文: %s", o.Reason)
		}
	}
	return o
}

func (i *Interface) handleEth(frame []byte) Outcome {
	d, ok := i.domain.Get()
	if !ok {
		return drop("interface not attached to a domain")
	}
	g := packet.NewSizeGuard(len(frame))
	eth, err := packet.ParseEthernet(frame, g)
	if err != nil {
		return drop("%v", err)
	}
	if dst := eth.Dst(); dst != i.mac && !dst.IsBroadcast() {
		return drop("frame for %s not addressed to router", dst)
	}
	switch eth.Type() {
	case packet.EtherTypeARP:
		return i.handleARP(d, eth, g)
	case packet.EtherTypeIPv4:
		return i.handleIP(d, eth, g)
	}
	return badNetworkProtocol(eth.Type())
}

func (i *Interface) handleARP(d *Domain, eth packet.Ethernet, g *packet.SizeGuard) Outcome {
	arp, err := packet.ParseARP(eth.Payload(), g)
	if err != nil {
		return drop("%v", err)
	}
	if !d.Ready() {
		return drop("ARP while domain %s has no IP config", d.Name())
	}
	sender, senderMAC := arp.SenderIP(), arp.SenderMAC()

	switch arp.Operation() {
	case packet.ARPOperationRequest:
		if arp.TargetIP() != d.ip.Addr() {
			d.broadcastFrame(eth, i)
			return handled
		}
		i.sendARPReply(d, arp)
		if d.arpLearnable(sender, senderMAC) {
			d.arp.Learn(sender, senderMAC, i)
			d.resolveWaiters(sender)
		}
		return handled

	case packet.ARPOperationReply:
		if arp.TargetIP() != d.ip.Addr() {
			return drop("ARP reply for %s not for router", arp.TargetIP())
		}
		if !d.arpLearnable(sender, senderMAC) {
			return drop("ARP reply with unusable sender %s", sender)
		}
		d.arp.Learn(sender, senderMAC, i)
		d.resolveWaiters(sender)
		return handled
	}
	return drop("bad ARP operation %d", arp.Operation())
}

func (i *Interface) sendARPReply(d *Domain, req packet.ARP) bool {
	return i.send(packet.EthernetHeaderLen+packet.ARPPacketLen, func(buf []byte, g *packet.SizeGuard) error {
		eth, err := packet.ConstructEthernet(buf, g, req.SenderMAC(), i.mac, packet.EtherTypeARP)
		if err != nil {
			return err
		}
		_, err = packet.ConstructARP(eth.Payload(), g, packet.ARPOperationReply, i.mac, d.ip.Addr(), req.SenderMAC(), req.SenderIP())
		return err
	})
}

func (i *Interface) handleIP(d *Domain, eth packet.Ethernet, g *packet.SizeGuard) Outcome {
	ip, err := packet.ParseIPv4(eth.Payload(), g)
	if err != nil {
		return drop("%v", err)
	}
	// 去掉以太网尾部填充，挂起与转发都只使用到 IP 总长度为止的部分
	eth = eth[:packet.EthernetHeaderLen+len(ip)]

	if ip.Fragmented() {
		return i.handleFragment(d, eth, ip)
	}

	var udp packet.UDP
	if ip.Protocol() == packet.IPProtocolUDP {
		if udp, err = packet.ParseUDP(ip.Payload(), g); err != nil {
			return drop("%v", err)
		}
		switch {
		case udp.SrcPort() == packet.DHCPClientPort && udp.DstPort() == packet.DHCPServerPort:
			return i.handleDHCPRequest(d, eth, ip, udp, g)
		case udp.SrcPort() == packet.DHCPServerPort && udp.DstPort() == packet.DHCPClientPort && i.dhcpClient != nil:
			return i.handleDHCPReply(udp, g)
		}
	}

	if !d.Ready() {
		return drop("domain %s has no IP config", d.Name())
	}
	if d.isBroadcast(ip.Dst()) {
		return drop("IP broadcast to %s", ip.Dst())
	}

	var fl flow
	switch ip.Protocol() {
	case packet.IPProtocolTCP:
		tcp, err := packet.ParseTCP(ip.Payload(), g)
		if err != nil {
			return drop("%v", err)
		}
		fl = flow{proto: TCP, sport: tcp.SrcPort(), dport: tcp.DstPort(), seg: segmentInfo{
			fin: tcp.FIN(), rst: tcp.RST(), syn: tcp.SYN(), ack: tcp.ACK(),
		}}
	case packet.IPProtocolUDP:
		fl = flow{proto: UDP, sport: udp.SrcPort(), dport: udp.DstPort()}
	case packet.IPProtocolICMP:
		return i.handleICMP(d, eth, ip, g)
	default:
		if name, ok := d.settings.ipRule(ip.Dst()); ok {
			return i.passIP(eth, ip, name)
		}
		return badTransportProtocol(ip.Protocol())
	}
	return i.natLinkAndPass(d, eth, ip, fl)
}

// natLinkAndPass 按已有链路转发，或依规则创建新链路后转发
func (i *Interface) natLinkAndPass(d *Domain, eth packet.Ethernet, ip packet.IPv4, fl flow) Outcome {
	id := LinkSideID{SrcIP: ip.Src(), SrcPort: fl.sport, DstIP: ip.Dst(), DstPort: fl.dport}
	if side, ok := d.findLink(fl.proto, id); ok {
		return i.passLink(eth, ip, fl, side)
	}

	name, to, toPort, ok := lookupRule(d.settings, i.router.cfg.RulePrecedence, d.isRouterAddr(ip.Dst()), fl.proto, ip.Dst(), fl.dport)
	if !ok {
		if name, ok := d.settings.ipRule(ip.Dst()); ok {
			return i.passIP(eth, ip, name)
		}
		return drop("no rule for %s %s", fl.proto, id)
	}
	remote, ok := i.router.readyDomain(name)
	if !ok {
		return drop("domain %s not ready", name)
	}
	hop, ok := remote.nextHop(to)
	if !ok {
		return drop("no route to %s in domain %s", to, name)
	}
	entry, ok := remote.arp.Find(hop)
	if !ok {
		return i.postponeForARP(remote, hop, eth)
	}

	l, o := i.newLink(d, remote, fl.proto, id, to, toPort)
	if l == nil {
		return o
	}
	closed := i.linkPacket(l, true, fl.seg)
	o = i.forward(eth, ip, fl.proto, &l.server, entry)
	if closed {
		i.dissolveLink(l, false)
	}
	return o
}

// passLink 沿已有链路转发到另一侧
func (i *Interface) passLink(eth packet.Ethernet, ip packet.IPv4, fl flow, side *LinkSide) Outcome {
	target := side.other()
	remote := target.domain
	hop, ok := remote.nextHop(target.ID.SrcIP)
	if !ok {
		return drop("no route to %s in domain %s", target.ID.SrcIP, remote.Name())
	}
	entry, ok := remote.arp.Find(hop)
	if !ok {
		return i.postponeForARP(remote, hop, eth)
	}

	l := side.link
	closed := l.owner.linkPacket(l, side.isClient(), fl.seg)
	o := i.forward(eth, ip, fl.proto, target, entry)
	if closed {
		l.owner.dissolveLink(l, false)
	}
	return o
}

// forward 按目标侧四元组改写地址与端口后发出
// 目标侧四元组是到达目标域的报文方向，发出的报文即以其反向为源和目的
func (i *Interface) forward(eth packet.Ethernet, ip packet.IPv4, p Protocol, target *LinkSide, entry *ARPEntry) Outcome {
	rewriteFlow(ip, p, target.ID.DstIP, target.ID.DstPort, target.ID.SrcIP, target.ID.SrcPort)
	return emit(eth, entry)
}

// passIP 按 IP 规则转发，不做地址转换
func (i *Interface) passIP(eth packet.Ethernet, ip packet.IPv4, name string) Outcome {
	remote, ok := i.router.readyDomain(name)
	if !ok {
		return drop("domain %s not ready", name)
	}
	hop, ok := remote.nextHop(ip.Dst())
	if !ok {
		return drop("no route to %s in domain %s", ip.Dst(), name)
	}
	entry, ok := remote.arp.Find(hop)
	if !ok {
		return i.postponeForARP(remote, hop, eth)
	}
	return emit(eth, entry)
}

// emit 改写以太网地址并从解析到的接口发出
func emit(eth packet.Ethernet, entry *ARPEntry) Outcome {
	out := entry.iface
	eth.SetSrc(out.mac)
	eth.SetDst(entry.MAC)
	if !out.sendFrame(eth) {
		return drop("send failed on %s", out.name)
	}
	return forwarded
}

// rewriteFlow 改写地址与端口并增量修正校验和
// 报文可以是 ICMP 差错中被截断的原始报文：TCP 不足以容纳校验和字段时跳过修正
func rewriteFlow(ip packet.IPv4, p Protocol, src netip.Addr, sport uint16, dst netip.Addr, dport uint16) {
	var hdr, l4 packet.ChecksumDiff
	if ip.Src() != src {
		ip.SetSrcDiff(src, &hdr, &l4)
	}
	if ip.Dst() != dst {
		ip.SetDstDiff(dst, &hdr, &l4)
	}
	ip.ApplyChecksumDiff(hdr)

	payload := ip.Payload()
	switch p {
	case TCP:
		t := packet.TCP(payload)
		if old := t.SrcPort(); old != sport {
			l4.AddUpPort(sport, old)
			t.SetSrcPort(sport)
		}
		if old := t.DstPort(); old != dport {
			l4.AddUpPort(dport, old)
			t.SetDstPort(dport)
		}
		if len(payload) >= 18 {
			t.ApplyChecksumDiff(l4)
		}
	case UDP:
		u := packet.UDP(payload)
		if old := u.SrcPort(); old != sport {
			l4.AddUpPort(sport, old)
			u.SetSrcPort(sport)
		}
		if old := u.DstPort(); old != dport {
			l4.AddUpPort(dport, old)
			u.SetDstPort(dport)
		}
		u.ApplyChecksumDiff(l4)
	case ICMP:
		// ICMP 校验和不含伪首部，只需修正标识符
		m := packet.ICMP(payload)
		var d packet.ChecksumDiff
		if old := m.QueryID(); old != sport {
			d.AddUpPort(sport, old)
			m.SetQueryID(sport)
		}
		m.ApplyChecksumDiff(d)
	}
}

// lookupRule 为新连接查找目标域以及目标域中的实际目的地址与端口
//
// 端口转发规则只对发往路由器自身地址的报文生效；
// 二者都匹配时按 rule_precedence 决定先后。
func lookupRule(s *DomainSettings, precedence string, toRouter bool, p Protocol, dst netip.Addr, dport uint16) (string, netip.Addr, uint16, bool) {
	forwardRule := func() (string, netip.Addr, uint16, bool) {
		if !toRouter {
			return "", netip.Addr{}, 0, false
		}
		r, ok := s.forwardRule(p, dport)
		if !ok {
			return "", netip.Addr{}, 0, false
		}
		return r.Domain, r.To, r.ToPort, true
	}
	transportRule := func() (string, netip.Addr, uint16, bool) {
		var name string
		var ok bool
		if p == ICMP {
			name, ok = s.icmpRule(dst)
		} else {
			name, ok = s.transportRule(p, dst, dport)
		}
		return name, dst, dport, ok
	}

	first, second := forwardRule, transportRule
	if precedence == config.PrecedenceTransportFirst {
		first, second = transportRule, forwardRule
	}
	if name, to, port, ok := first(); ok {
		return name, to, port, true
	}
	return second()
}

// handleFragment 分片报文一律丢弃，按配置回送 ICMP 差错
func (i *Interface) handleFragment(d *Domain, eth packet.Ethernet, ip packet.IPv4) Outcome {
	i.stats.DroppedFragmIPv4++
	if d.settings.FragReject && d.Ready() {
		i.sendICMPError(d, eth, ip, packet.ICMPTypeDstUnreachable, packet.ICMPCodeFragmentNeeded)
	}
	return drop("fragmented IPv4 from %s", ip.Src())
}
