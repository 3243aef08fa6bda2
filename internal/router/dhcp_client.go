package router

import (
	"net/netip"

	"nic-router/internal/dhcp"
	"nic-router/internal/packet"
)

// clientHooks 把 DHCP 客户端接到所在接口与域上
type clientHooks struct {
	i *Interface
}

func (h clientHooks) SendDHCPRequest(msg *packet.DHCPMessage, src, dst netip.Addr) {
	i := h.i
	raw, err := msg.Serialize()
	if err != nil {
		i.log.Error("序列化 DHCP 请求失败: %v", err)
		return
	}
	dstMAC := packet.BroadcastMAC
	if d, ok := i.domain.Get(); ok && dst != broadcastIPv4 {
		if e, ok := d.arp.Find(dst); ok {
			dstMAC = e.MAC
		}
	}
	i.sendUDP(dstMAC, src, dst, packet.DHCPClientPort, packet.DHCPServerPort, raw)
}

func (h clientHooks) SetIPConfig(cfg dhcp.IPConfig) {
	if d, ok := h.i.domain.Get(); ok {
		d.setIPConfig(IPConfig{
			Interface:  cfg.Interface,
			Gateway:    cfg.Gateway,
			DNSServers: cfg.DNSServers,
			FromDHCP:   true,
		})
	}
}

func (h clientHooks) DiscardIPConfig() {
	if d, ok := h.i.domain.Get(); ok {
		d.discardIPConfig()
	}
}

// startDHCPClient 在接口上启动 DHCP 客户端并开始发现
func (i *Interface) startDHCPClient() {
	if i.dhcpClient == nil {
		i.dhcpClient = dhcp.NewClient(i.mac, clientHooks{i: i}, i.router.timers, i.router.clientTimeouts())
	}
	i.log.Info("启动 DHCP 客户端")
	i.dhcpClient.Discover()
}

func (i *Interface) stopDHCPClient() {
	if i.dhcpClient == nil {
		return
	}
	i.dhcpClient.Stop()
	i.dhcpClient = nil
}

// handleDHCPReply 把服务端应答交给本接口的 DHCP 客户端
func (i *Interface) handleDHCPReply(udp packet.UDP, g *packet.SizeGuard) Outcome {
	msg, err := packet.ParseDHCP(udp.Payload(), g)
	if err != nil {
		return drop("%v", err)
	}
	if !i.dhcpClient.HandleReply(msg) {
		return drop("DHCP %s not accepted by client", msg.MessageType())
	}
	return handled
}
