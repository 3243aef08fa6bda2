package router

import (
	"nic-router/internal/packet"
)

// icmpFragMTU 分片差错中通告的下一跳 MTU
const icmpFragMTU = 1500

func (i *Interface) handleICMP(d *Domain, eth packet.Ethernet, ip packet.IPv4, g *packet.SizeGuard) Outcome {
	m, err := packet.ParseICMP(ip.Payload(), g)
	if err != nil {
		return drop("%v", err)
	}
	switch {
	case m.IsQuery():
		id := m.QueryID()
		_, linked := d.findLink(ICMP, LinkSideID{SrcIP: ip.Src(), SrcPort: id, DstIP: ip.Dst(), DstPort: id})
		if !linked {
			if d.isRouterAddr(ip.Dst()) {
				if m.Type() == packet.ICMPTypeEchoRequest && d.settings.ICMPEcho {
					return i.sendEchoReply(d, eth, ip, m)
				}
				return drop("ICMP type %d for router", m.Type())
			}
			if m.Type() != packet.ICMPTypeEchoRequest {
				return drop("ICMP echo reply without link")
			}
		}
		return i.natLinkAndPass(d, eth, ip, flow{proto: ICMP, sport: id, dport: id})

	case m.IsError():
		return i.handleICMPError(d, eth, ip, m)
	}
	return drop("unsupported ICMP type %d", m.Type())
}

// sendEchoReply 路由器自身应答回显请求，直接回给请求的发送方
func (i *Interface) sendEchoReply(d *Domain, eth packet.Ethernet, ip packet.IPv4, req packet.ICMP) Outcome {
	size := packet.EthernetHeaderLen + packet.IPv4MinHeaderLen + len(req)
	ok := i.send(size, func(buf []byte, g *packet.SizeGuard) error {
		e, err := packet.ConstructEthernet(buf, g, eth.Src(), i.mac, packet.EtherTypeIPv4)
		if err != nil {
			return err
		}
		out, err := packet.ConstructIPv4(e.Payload(), g, packet.IPProtocolICMP, d.ip.Addr(), ip.Src(), len(req))
		if err != nil {
			return err
		}
		m, err := packet.ConstructICMP(out.Payload(), g, packet.ICMPTypeEchoReply, 0, req.Rest(), len(req.Data()))
		if err != nil {
			return err
		}
		copy(m.Data(), req.Data())
		m.UpdateChecksum()
		out.UpdateChecksum()
		return nil
	})
	if !ok {
		return drop("send echo reply failed")
	}
	return handled
}

// handleICMPError 把差错报文沿其原始报文所属的链路反向转发
//
// 差错中携带的原始报文是路由器改写后发出的，按它的反向四元组查找链路，
// 再把原始报文恢复为客户侧看到的样子。外层目的地址改为客户地址；
// 外层源地址仅在等于服务侧源地址时改写，中间路由器发出的差错保持原样。
func (i *Interface) handleICMPError(d *Domain, eth packet.Ethernet, ip packet.IPv4, m packet.ICMP) Outcome {
	data := m.Data()
	inner, err := packet.ParseEmbeddedIPv4(data, packet.NewSizeGuard(len(data)))
	if err != nil {
		return drop("embedded %v", err)
	}
	p, ok := protocolOf(inner.Protocol())
	if !ok {
		return badTransportProtocol(inner.Protocol())
	}
	payload := inner.Payload()
	var sport, dport uint16
	if p == ICMP {
		id := packet.ICMP(payload).QueryID()
		sport, dport = id, id
	} else {
		// TCP 与 UDP 的端口位于相同偏移
		u := packet.UDP(payload)
		sport, dport = u.SrcPort(), u.DstPort()
	}

	side, ok := d.findLink(p, LinkSideID{SrcIP: inner.Dst(), SrcPort: dport, DstIP: inner.Src(), DstPort: sport})
	if !ok {
		return drop("ICMP error without %s link", p)
	}
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

	rewriteFlow(inner, p, target.ID.SrcIP, target.ID.SrcPort, target.ID.DstIP, target.ID.DstPort)

	var hdr packet.ChecksumDiff
	if ip.Src() == side.ID.SrcIP {
		ip.SetSrcDiff(target.ID.DstIP, &hdr, nil)
	}
	ip.SetDstDiff(target.ID.SrcIP, &hdr, nil)
	ip.ApplyChecksumDiff(hdr)
	m.UpdateChecksum()
	return emit(eth, entry)
}

// sendICMPError 回送差错报文，携带原始报文首部与其后8字节
func (i *Interface) sendICMPError(d *Domain, eth packet.Ethernet, ip packet.IPv4, typ, code uint8) bool {
	n := ip.HeaderLen() + min(8, len(ip.Payload()))
	quoted := ip[:n]
	size := packet.EthernetHeaderLen + packet.IPv4MinHeaderLen + packet.ICMPHeaderLen + n
	var rest uint32
	if code == packet.ICMPCodeFragmentNeeded {
		rest = icmpFragMTU
	}
	return i.send(size, func(buf []byte, g *packet.SizeGuard) error {
		e, err := packet.ConstructEthernet(buf, g, eth.Src(), i.mac, packet.EtherTypeIPv4)
		if err != nil {
			return err
		}
		out, err := packet.ConstructIPv4(e.Payload(), g, packet.IPProtocolICMP, d.ip.Addr(), ip.Src(), packet.ICMPHeaderLen+n)
		if err != nil {
			return err
		}
		m, err := packet.ConstructICMP(out.Payload(), g, typ, code, rest, n)
		if err != nil {
			return err
		}
		copy(m.Data(), quoted)
		m.UpdateChecksum()
		out.UpdateChecksum()
		return nil
	})
}
