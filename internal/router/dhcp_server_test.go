package router

import (
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"

	"nic-router/internal/config"
	"nic-router/internal/dhcp"
	"nic-router/internal/packet"
	"nic-router/internal/report"
	"nic-router/internal/stream"
)

var otherHostMAC = packet.MAC{0x02, 0, 0, 0, 0, 0x02}

// sendDHCP 以客户端身份从 lan 广播 DHCP 报文
func (s *RouterSuite) sendDHCP(mac packet.MAC, msg *packet.DHCPMessage) {
	raw, err := msg.Serialize()
	s.Require().NoError(err)
	s.inject(s.lan, udpFrame(s.T(), packet.BroadcastMAC, mac, "0.0.0.0", "255.255.255.255",
		packet.DHCPClientPort, packet.DHCPServerPort, raw))
}

// receiveDHCP 对端恰好收到一个 DHCP 报文
func (s *RouterSuite) receiveDHCP(peer *stream.Channel) (frameView, *packet.DHCPMessage) {
	v := s.receiveOne(peer)
	s.Require().NotNil(v.udp)
	msg, err := packet.ParseDHCP(v.udp.Payload, packet.NewSizeGuard(len(v.udp.Payload)))
	s.Require().NoError(err)
	return v, msg
}

// dhcpPool intern 域的 DHCP 地址池
func (s *RouterSuite) dhcpPool() *dhcp.IPAllocator {
	srv := s.domain("intern").settings.DHCPServer
	s.Require().NotNil(srv)
	return srv.Pool
}

func dhcpRequest(mac packet.MAC, requested string) *packet.DHCPMessage {
	msg := packet.NewDHCPRequest(layers.DHCPMsgTypeRequest, 0x1234, mac)
	msg.AddAddrOption(layers.DHCPOptRequestIP, netip.MustParseAddr(requested))
	msg.AddAddrOption(layers.DHCPOptServerID, netip.MustParseAddr("10.0.1.1"))
	return msg
}

func (s *RouterSuite) TestDHCPServerHandshake() {
	lan := s.iface("lan0")

	s.sendDHCP(hostMAC, packet.NewDHCPRequest(layers.DHCPMsgTypeDiscover, 0x1234, hostMAC))
	v, offer := s.receiveDHCP(s.lan)
	s.Equal(hostMAC.HWAddr(), v.eth.DstMAC)
	s.Equal("10.0.1.1", v.ip.SrcIP.String())
	s.Equal("10.0.1.100", v.ip.DstIP.String())
	s.Equal(layers.UDPPort(67), v.udp.SrcPort)
	s.Equal(layers.UDPPort(68), v.udp.DstPort)
	requireChecksums(s.T(), v.raw)

	s.Equal(layers.DHCPMsgTypeOffer, offer.MessageType())
	s.Equal(uint32(0x1234), offer.Xid)
	s.Equal("10.0.1.100", offer.YourAddr().String())
	server, _ := offer.AddrOption(layers.DHCPOptServerID)
	s.Equal("10.0.1.1", server.String())
	router, _ := offer.AddrOption(layers.DHCPOptRouter)
	s.Equal("10.0.1.1", router.String())
	dns, _ := offer.AddrOption(layers.DHCPOptDNS)
	s.Equal("10.0.0.53", dns.String())
	lease, _ := offer.DurationOption(layers.DHCPOptLeaseTime)
	s.Equal(time.Hour, lease)

	allocs := lan.Allocations()
	s.Require().Len(allocs, 1)
	s.False(allocs[0].Bound)

	s.sendDHCP(hostMAC, dhcpRequest(hostMAC, "10.0.1.100"))
	_, ack := s.receiveDHCP(s.lan)
	s.Equal(layers.DHCPMsgTypeAck, ack.MessageType())
	s.Equal("10.0.1.100", ack.YourAddr().String())
	s.True(lan.Allocations()[0].Bound)

	// 重复的 REQUEST 得到相同的应答，不产生新的分配
	s.sendDHCP(hostMAC, dhcpRequest(hostMAC, "10.0.1.100"))
	_, ack = s.receiveDHCP(s.lan)
	s.Equal(layers.DHCPMsgTypeAck, ack.MessageType())
	s.Equal("10.0.1.100", ack.YourAddr().String())
	s.Len(lan.Allocations(), 1)
	s.Equal(uint64(1), lan.Stats().DHCPAllocations.Alive)

	s.sendDHCP(otherHostMAC, packet.NewDHCPRequest(layers.DHCPMsgTypeDiscover, 0x5678, otherHostMAC))
	_, offer = s.receiveDHCP(s.lan)
	s.Equal("10.0.1.101", offer.YourAddr().String())

	s.Equal([]report.LeaseEventKind{report.LeaseOffered, report.LeaseBound, report.LeaseOffered}, s.rec.kinds())
	s.Equal("intern", s.rec.leases[0].Domain)
	s.Equal("lan0", s.rec.leases[0].Interface)
	s.Equal(hostMAC.String(), s.rec.leases[0].MAC)
}

func (s *RouterSuite) TestDHCPRelease() {
	lan := s.iface("lan0")
	s.sendDHCP(hostMAC, packet.NewDHCPRequest(layers.DHCPMsgTypeDiscover, 0x1234, hostMAC))
	s.receiveDHCP(s.lan)
	s.sendDHCP(hostMAC, dhcpRequest(hostMAC, "10.0.1.100"))
	s.receiveDHCP(s.lan)

	release := packet.NewDHCPRequest(layers.DHCPMsgTypeRelease, 0x1234, hostMAC)
	release.SetClientAddr(netip.MustParseAddr("10.0.1.100"))
	release.AddAddrOption(layers.DHCPOptServerID, netip.MustParseAddr("10.0.1.1"))
	s.sendDHCP(hostMAC, release)

	s.Empty(s.lan.Receive())
	s.Empty(lan.Allocations())
	s.Equal(uint64(1), lan.Stats().DHCPAllocations.Destroyed)
	s.Equal(report.LeaseReleased, s.rec.leases[len(s.rec.leases)-1].Kind)

	// 地址归还地址池，分配器继续从下一个地址轮转
	pool := s.dhcpPool()
	s.False(pool.InUse(netip.MustParseAddr("10.0.1.100")))
	s.Equal(0, pool.Used())
	s.sendDHCP(otherHostMAC, packet.NewDHCPRequest(layers.DHCPMsgTypeDiscover, 0x5678, otherHostMAC))
	_, offer := s.receiveDHCP(s.lan)
	s.Equal("10.0.1.101", offer.YourAddr().String())
	s.Equal(1, pool.Used())
}

func (s *RouterSuite) TestDHCPDeclineReleasesAllocation() {
	lan := s.iface("lan0")
	s.sendDHCP(hostMAC, packet.NewDHCPRequest(layers.DHCPMsgTypeDiscover, 0x1234, hostMAC))
	s.receiveDHCP(s.lan)
	s.sendDHCP(hostMAC, dhcpRequest(hostMAC, "10.0.1.100"))
	s.receiveDHCP(s.lan)
	s.Equal(1, s.dhcpPool().Used())

	decline := packet.NewDHCPRequest(layers.DHCPMsgTypeDecline, 0x1234, hostMAC)
	decline.AddAddrOption(layers.DHCPOptRequestIP, netip.MustParseAddr("10.0.1.100"))
	decline.AddAddrOption(layers.DHCPOptServerID, netip.MustParseAddr("10.0.1.1"))
	s.sendDHCP(hostMAC, decline)

	s.Empty(s.lan.Receive())
	s.Empty(lan.Allocations())
	s.Equal(uint64(1), lan.Stats().DHCPAllocations.Destroyed)
	s.Equal(0, s.dhcpPool().Used())
	s.False(s.dhcpPool().InUse(netip.MustParseAddr("10.0.1.100")))
	s.Equal([]report.LeaseEventKind{report.LeaseOffered, report.LeaseBound, report.LeaseReleased}, s.rec.kinds())

	// 没有分配时的 DECLINE 被丢弃
	s.sendDHCP(hostMAC, decline)
	s.Empty(s.lan.Receive())
	s.Len(s.rec.leases, 3)
}

func (s *RouterSuite) TestDHCPInformAnsweredWithoutAllocation() {
	lan := s.iface("lan0")
	inform := packet.NewDHCPRequest(layers.DHCPMsgTypeInform, 0x4321, hostMAC)
	inform.SetClientAddr(netip.MustParseAddr("10.0.1.50"))
	s.sendDHCP(hostMAC, inform)

	v, ack := s.receiveDHCP(s.lan)
	s.Equal(hostMAC.HWAddr(), v.eth.DstMAC)
	s.Equal("10.0.1.1", v.ip.SrcIP.String())
	s.Equal("10.0.1.50", v.ip.DstIP.String())
	requireChecksums(s.T(), v.raw)

	s.Equal(layers.DHCPMsgTypeAck, ack.MessageType())
	s.Equal(uint32(0x4321), ack.Xid)
	s.True(ack.YourAddr().IsUnspecified())
	s.Equal("10.0.1.50", ack.ClientAddr().String())
	_, ok := ack.DurationOption(layers.DHCPOptLeaseTime)
	s.False(ok, "INFORM 应答不带租期")
	router, _ := ack.AddrOption(layers.DHCPOptRouter)
	s.Equal("10.0.1.1", router.String())
	dns, _ := ack.AddrOption(layers.DHCPOptDNS)
	s.Equal("10.0.0.53", dns.String())

	s.Empty(lan.Allocations())
	s.Equal(uint64(0), lan.Stats().DHCPAllocations.Alive)
	s.Equal(0, s.dhcpPool().Used())
	s.Empty(s.rec.leases)
}

func (s *RouterSuite) TestDHCPOfferExpires() {
	lan := s.iface("lan0")
	s.sendDHCP(hostMAC, packet.NewDHCPRequest(layers.DHCPMsgTypeDiscover, 0x1234, hostMAC))
	s.receiveDHCP(s.lan)

	s.advance(10 * time.Second)
	s.Empty(lan.Allocations())
	s.Equal([]report.LeaseEventKind{report.LeaseOffered, report.LeaseExpired}, s.rec.kinds())
}

func (s *RouterSuite) TestDHCPLeaseExpires() {
	lan := s.iface("lan0")
	s.sendDHCP(hostMAC, packet.NewDHCPRequest(layers.DHCPMsgTypeDiscover, 0x1234, hostMAC))
	s.receiveDHCP(s.lan)
	s.sendDHCP(hostMAC, dhcpRequest(hostMAC, "10.0.1.100"))
	s.receiveDHCP(s.lan)

	s.advance(30 * time.Minute)
	s.Len(lan.Allocations(), 1)
	s.advance(30 * time.Minute)
	s.Empty(lan.Allocations())
	s.Equal(report.LeaseExpired, s.rec.leases[len(s.rec.leases)-1].Kind)
}

func (s *RouterSuite) TestDHCPRequestWithoutOfferIsRefused() {
	s.sendDHCP(hostMAC, dhcpRequest(hostMAC, "10.0.1.150"))
	v, nak := s.receiveDHCP(s.lan)
	s.Equal(layers.DHCPMsgTypeNak, nak.MessageType())
	s.Equal(packet.BroadcastMAC.HWAddr(), v.eth.DstMAC)
	s.Equal("255.255.255.255", v.ip.DstIP.String())
	s.Empty(s.iface("lan0").Allocations())
}

func (s *RouterSuite) TestDHCPRequestForOtherAddressIsRefused() {
	lan := s.iface("lan0")
	s.sendDHCP(hostMAC, packet.NewDHCPRequest(layers.DHCPMsgTypeDiscover, 0x1234, hostMAC))
	s.receiveDHCP(s.lan)

	s.sendDHCP(hostMAC, dhcpRequest(hostMAC, "10.0.1.150"))
	_, nak := s.receiveDHCP(s.lan)
	s.Equal(layers.DHCPMsgTypeNak, nak.MessageType())
	s.Empty(lan.Allocations())
}

func (s *RouterSuite) TestDHCPRequestForOtherServerReleasesOffer() {
	lan := s.iface("lan0")
	s.sendDHCP(hostMAC, packet.NewDHCPRequest(layers.DHCPMsgTypeDiscover, 0x1234, hostMAC))
	s.receiveDHCP(s.lan)

	msg := packet.NewDHCPRequest(layers.DHCPMsgTypeRequest, 0x1234, hostMAC)
	msg.AddAddrOption(layers.DHCPOptRequestIP, netip.MustParseAddr("10.0.1.100"))
	msg.AddAddrOption(layers.DHCPOptServerID, netip.MustParseAddr("10.0.1.254"))
	s.sendDHCP(hostMAC, msg)

	s.Empty(s.lan.Receive())
	s.Empty(lan.Allocations())
}

func (s *RouterSuite) TestDHCPClientObtainsAddress() {
	cfg := testConfig()
	cfg.Domains[0].Interface = ""
	cfg.Domains[0].Gateway = ""
	s.start(cfg)
	ext := s.domain("extern")
	s.False(ext.Ready())

	server, err := dhcp.NewServerSettings(&config.DHCPServerConfig{
		IPFirst:    "10.0.0.50",
		IPLast:     "10.0.0.60",
		LeaseTime:  600,
		DNSServers: []string{"10.0.0.53"},
	}, netip.MustParsePrefix("10.0.0.254/24"))
	s.Require().NoError(err)
	serve := func(req *packet.DHCPMessage, typ layers.DHCPMsgType) {
		raw, err := server.BuildReply(req, typ, netip.MustParseAddr("10.0.0.57")).Serialize()
		s.Require().NoError(err)
		s.inject(s.uplink, udpFrame(s.T(), packet.BroadcastMAC, gwMAC, "10.0.0.254", "255.255.255.255",
			packet.DHCPServerPort, packet.DHCPClientPort, raw))
	}

	// 接口接入域时即开始发现
	v, discover := s.receiveDHCP(s.uplink)
	s.Equal(layers.DHCPMsgTypeDiscover, discover.MessageType())
	s.Equal(packet.BroadcastMAC.HWAddr(), v.eth.DstMAC)
	s.Equal("0.0.0.0", v.ip.SrcIP.String())
	s.Equal(uplinkMAC, discover.ClientMAC())

	serve(discover, layers.DHCPMsgTypeOffer)
	_, request := s.receiveDHCP(s.uplink)
	s.Equal(layers.DHCPMsgTypeRequest, request.MessageType())
	requested, _ := request.AddrOption(layers.DHCPOptRequestIP)
	s.Equal("10.0.0.57", requested.String())

	serve(request, layers.DHCPMsgTypeAck)
	s.Require().True(ext.Ready())
	ip := ext.IPConfig()
	s.Equal(netip.MustParsePrefix("10.0.0.57/24"), ip.Interface)
	s.Equal(netip.MustParseAddr("10.0.0.254"), ip.Gateway)
	s.True(ip.FromDHCP)
	s.Equal(dhcp.ClientBound, s.iface("uplink").DHCPClient().State())

	// 获得的地址用于地址转换
	s.learnHost()
	s.inject(s.uplink, arpFrame(s.T(), uplinkMAC, gwMAC, layers.ARPReply, "10.0.0.254", uplinkMAC, "10.0.0.57"))
	s.inject(s.lan, udpFrame(s.T(), lanMAC, hostMAC, "10.0.1.5", "8.8.8.8", 5000, 53, nil))
	out := s.receiveOne(s.uplink)
	s.Equal("10.0.0.57", out.ip.SrcIP.String())
	s.Len(s.iface("lan0").Links(UDP), 1)

	// 链路断开后撤销地址，依赖它的链路一并销毁
	s.uplink.SetLinkState(false)
	s.r.Poll()
	s.False(ext.Ready())
	s.Nil(s.iface("uplink").DHCPClient())
	s.Empty(s.iface("lan0").Links(UDP))
	s.Equal(0, ext.ARP().Len())

	s.uplink.SetLinkState(true)
	s.r.Poll()
	_, discover = s.receiveDHCP(s.uplink)
	s.Equal(layers.DHCPMsgTypeDiscover, discover.MessageType())
}
