package router

import (
	"net/netip"

	"github.com/google/gopacket/layers"

	"nic-router/internal/dhcp"
	"nic-router/internal/packet"
	"nic-router/internal/report"
)

// handleDHCPRequest 域内 DHCP 服务端处理客户端报文
func (i *Interface) handleDHCPRequest(d *Domain, eth packet.Ethernet, ip packet.IPv4, udp packet.UDP, g *packet.SizeGuard) Outcome {
	srv := d.settings.DHCPServer
	if srv == nil || !d.Ready() {
		return drop("no DHCP server in domain %s", d.Name())
	}
	msg, err := packet.ParseDHCP(udp.Payload(), g)
	if err != nil {
		return drop("%v", err)
	}
	if msg.Operation != layers.DHCPOpRequest {
		return drop("DHCP reply sent to server port")
	}
	mac := msg.ClientMAC()

	switch msg.MessageType() {
	case layers.DHCPMsgTypeDiscover:
		requested, _ := msg.AddrOption(layers.DHCPOptRequestIP)
		a, created, err := i.dhcpAllocs.Allocate(mac, srv.Pool, requested)
		if err != nil {
			return drop("DHCP allocation for %s: %v", mac, err)
		}
		if created {
			i.stats.DHCPAllocations.created()
			a.Expires = i.router.timers.Now().Add(i.router.timeouts.DHCPOffer)
			a.Timer = i.router.timers.Schedule(i.router.timeouts.DHCPOffer, func() { i.destroyAllocation(a, true) })
			i.recordLease(d, report.LeaseOffered, a)
		}
		return i.sendDHCPReply(d, srv, msg, layers.DHCPMsgTypeOffer, a.IP)

	case layers.DHCPMsgTypeRequest:
		a, found := i.dhcpAllocs.Find(mac)
		if server, ok := msg.AddrOption(layers.DHCPOptServerID); ok && server != srv.ServerIP {
			// 客户端选择了其他服务端
			if found && !a.Bound {
				i.releaseAllocation(d, mac)
			}
			return handled
		}
		requested, ok := msg.AddrOption(layers.DHCPOptRequestIP)
		if !ok || requested.IsUnspecified() {
			requested = msg.ClientAddr()
		}
		if !found {
			return i.sendDHCPReply(d, srv, msg, layers.DHCPMsgTypeNak, netip.Addr{})
		}
		if requested.IsValid() && !requested.IsUnspecified() && requested != a.IP {
			i.releaseAllocation(d, mac)
			return i.sendDHCPReply(d, srv, msg, layers.DHCPMsgTypeNak, netip.Addr{})
		}
		wasBound := a.Bound
		a.Bound = true
		a.Expires = i.router.timers.Now().Add(srv.LeaseTime)
		a.Timer = i.router.timers.Reset(a.Timer, srv.LeaseTime, func() { i.destroyAllocation(a, true) })
		if !wasBound {
			i.recordLease(d, report.LeaseBound, a)
		}
		return i.sendDHCPReply(d, srv, msg, layers.DHCPMsgTypeAck, a.IP)

	case layers.DHCPMsgTypeRelease, layers.DHCPMsgTypeDecline:
		if !i.releaseAllocation(d, mac) {
			return drop("DHCP %s from %s without allocation", msg.MessageType(), mac)
		}
		return handled

	case layers.DHCPMsgTypeInform:
		return i.sendDHCPReply(d, srv, msg, layers.DHCPMsgTypeAck, netip.Addr{})
	}
	return drop("unexpected DHCP message %s", msg.MessageType())
}

// sendDHCPReply 向客户端发送应答
// NAK 与置位广播标志的请求以广播应答，INFORM 应答发往 ciaddr，其余发往分配的地址
func (i *Interface) sendDHCPReply(d *Domain, srv *dhcp.ServerSettings, req *packet.DHCPMessage, typ layers.DHCPMsgType, yiaddr netip.Addr) Outcome {
	reply := srv.BuildReply(req, typ, yiaddr)
	raw, err := reply.Serialize()
	if err != nil {
		i.log.Error("序列化 DHCP 应答失败: %v", err)
		return drop("DHCP reply: %v", err)
	}

	dstMAC := req.ClientMAC()
	dst := yiaddr
	switch {
	case typ == layers.DHCPMsgTypeNak || req.Flags&0x8000 != 0:
		dst = broadcastIPv4
	case !yiaddr.IsValid():
		dst = req.ClientAddr()
	}
	if !dst.IsValid() || dst.IsUnspecified() {
		dst = broadcastIPv4
	}
	if dst == broadcastIPv4 {
		dstMAC = packet.BroadcastMAC
	}

	if !i.sendUDP(dstMAC, d.ip.Addr(), dst, packet.DHCPServerPort, packet.DHCPClientPort, raw) {
		return drop("send DHCP %s failed", typ)
	}
	return handled
}

// releaseAllocation 客户端释放地址，分配在本次报文处理结束后销毁
func (i *Interface) releaseAllocation(d *Domain, mac packet.MAC) bool {
	a, ok := i.dhcpAllocs.Release(mac)
	if ok {
		i.recordLease(d, report.LeaseReleased, a)
	}
	return ok
}

// destroyAllocation 立即销毁分配
func (i *Interface) destroyAllocation(a *dhcp.Allocation, expired bool) {
	i.dhcpAllocs.Destroy(a)
	i.stats.DHCPAllocations.destroyed()
	if expired {
		if d, ok := i.domain.Get(); ok {
			i.recordLease(d, report.LeaseExpired, a)
		}
	}
}

// destroyAllocations 销毁全部分配
func (i *Interface) destroyAllocations() {
	i.dhcpAllocs.DestroyAll(func(*dhcp.Allocation) { i.stats.DHCPAllocations.destroyed() })
}

func (i *Interface) recordLease(d *Domain, kind report.LeaseEventKind, a *dhcp.Allocation) {
	i.log.Info("DHCP %s %s -> %s", kind, a.MAC, a.IP)
	i.router.recorder.RecordLease(report.LeaseEvent{
		Kind:      kind,
		Domain:    d.Name(),
		Interface: i.name,
		MAC:       a.MAC.String(),
		IP:        a.IP.String(),
		At:        i.router.timers.Now(),
	})
}
