package router

import (
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"

	"nic-router/internal/config"
	"nic-router/internal/packet"
)

// openUDP 建立一条从 10.0.1.5:sport 到 dst:53 的链路，返回转换后的端口
func (s *RouterSuite) openUDP(sport uint16, dst string) layers.UDPPort {
	s.inject(s.lan, udpFrame(s.T(), lanMAC, hostMAC, "10.0.1.5", dst, sport, 53, nil))
	v := s.receiveOne(s.uplink)
	s.Require().NotNil(v.udp)
	return v.udp.SrcPort
}

func (s *RouterSuite) TestReconfigureKeepsValidLinks() {
	s.learnHost()
	s.learnGateway()
	s.Equal(layers.UDPPort(40000), s.openUDP(5000, "8.8.8.8"))
	oldPool := s.natPool(UDP)

	s.Require().NoError(s.r.Reconfigure(testConfig()))

	lan := s.iface("lan0")
	s.Len(lan.Links(UDP), 1)
	s.Equal(uint64(0), lan.Stats().Links[UDP].Destroyed)
	pool := s.natPool(UDP)
	s.NotSame(oldPool, pool)
	s.True(pool.InUse(40000), "保留链路的端口迁移到新的分配器")

	// 地址配置未变，ARP 缓存保留
	s.Equal(layers.UDPPort(40001), s.openUDP(5001, "8.8.8.8"))

	s.inject(s.uplink, udpFrame(s.T(), uplinkMAC, gwMAC, "8.8.8.8", "10.0.0.1", 53, 40000, nil))
	v := s.receiveOne(s.lan)
	s.Equal(layers.UDPPort(5000), v.udp.DstPort)
}

func (s *RouterSuite) TestReconfigureDropsLinksOutsideNewRange() {
	s.learnHost()
	s.learnGateway()
	s.openUDP(5000, "8.8.8.8")

	cfg := testConfig()
	cfg.Domains[0].NAT[0].UDPPorts = config.PortRange{First: 41000, Last: 41999}
	s.Require().NoError(s.r.Reconfigure(cfg))

	lan := s.iface("lan0")
	s.Empty(lan.Links(UDP))
	st := lan.Stats().Links[UDP]
	s.Equal(uint64(1), st.DissolvedNoTimeout)
	s.Equal(uint64(1), st.Destroyed)
	s.Equal(0, s.domain("extern").LinkCount(UDP))
	s.Equal(0, s.domain("intern").LinkCount(UDP))

	s.Equal(layers.UDPPort(41000), s.openUDP(5000, "8.8.8.8"))
}

func (s *RouterSuite) TestReconfigureRuleChangeInvalidatesLinks() {
	s.learnHost()
	s.learnGateway()
	s.openUDP(5000, "8.8.8.8")
	s.openUDP(5001, "1.1.1.1")

	cfg := testConfig()
	cfg.Domains[1].UDP = []config.TransportRuleConfig{{
		Dst:    "8.8.8.8/32",
		Permit: []config.PermitConfig{{Port: 53, Domain: "extern"}},
	}}
	s.Require().NoError(s.r.Reconfigure(cfg))

	links := s.iface("lan0").Links(UDP)
	s.Require().Len(links, 1)
	s.Equal(netip.MustParseAddr("8.8.8.8"), links[0].ClientID().DstIP)
	s.Equal(1, s.natPool(UDP).Used())
}

func (s *RouterSuite) TestReconfigureMovesSessionInterface() {
	s.learnHost()
	s.learnGateway()
	s.openUDP(5000, "8.8.8.8")
	old := s.domain("intern").Handle()

	cfg := testConfig()
	cfg.Domains[1] = config.DomainConfig{
		Name:      "guest",
		Interface: "10.0.2.1/24",
		UDP:       []config.TransportRuleConfig{{Dst: "0.0.0.0/0", PermitAny: "extern"}},
	}
	cfg.Domains[0].NAT[0].Domain = "guest"
	cfg.Domains[0].TCPForward = nil
	cfg.SessionPolicies = []config.SessionPolicyConfig{{LabelPrefix: "lan", Domain: "guest"}}
	s.Require().NoError(s.r.Reconfigure(cfg))

	_, ok := old.Get()
	s.False(ok, "移除的域的句柄失效")
	_, ok = s.r.Domain("intern")
	s.False(ok)

	lan := s.iface("lan0")
	d, ok := lan.Domain()
	s.Require().True(ok)
	s.Equal("guest", d.Name())
	s.Empty(lan.Links(UDP))
	s.Equal(uint64(1), lan.Stats().Links[UDP].Destroyed)
	s.Equal(0, s.domain("extern").LinkCount(UDP))
	s.True(lan.LinkState())

	s.inject(s.lan, arpFrame(s.T(), packet.BroadcastMAC, hostMAC, layers.ARPRequest, "10.0.2.5", packet.MAC{}, "10.0.2.1"))
	v := s.receiveOne(s.lan)
	s.Require().NotNil(v.arp)
	s.Equal(uint16(layers.ARPReply), v.arp.Operation)
}

func (s *RouterSuite) TestReconfigureRehomesDHCPAllocations() {
	s.sendDHCP(hostMAC, packet.NewDHCPRequest(layers.DHCPMsgTypeDiscover, 0x1234, hostMAC))
	s.receiveDHCP(s.lan)
	s.sendDHCP(hostMAC, dhcpRequest(hostMAC, "10.0.1.100"))
	s.receiveDHCP(s.lan)

	s.Require().NoError(s.r.Reconfigure(testConfig()))
	allocs := s.iface("lan0").Allocations()
	s.Require().Len(allocs, 1)
	s.Same(s.domain("intern").settings.DHCPServer.Pool, allocs[0].Pool())

	s.sendDHCP(otherHostMAC, packet.NewDHCPRequest(layers.DHCPMsgTypeDiscover, 0x5678, otherHostMAC))
	_, offer := s.receiveDHCP(s.lan)
	s.Equal("10.0.1.101", offer.YourAddr().String())

	// 新地址池不再包含已分配的地址时分配被销毁
	cfg := testConfig()
	cfg.Domains[1].DHCPServer.IPFirst = "10.0.1.150"
	s.Require().NoError(s.r.Reconfigure(cfg))
	s.Empty(s.iface("lan0").Allocations())
}

func (s *RouterSuite) TestReconfigureRejectsInvalidConfig() {
	s.learnHost()
	s.learnGateway()
	s.openUDP(5000, "8.8.8.8")

	cfg := testConfig()
	cfg.SessionPolicies[0].Domain = "missing"
	s.Error(s.r.Reconfigure(cfg))
	s.Len(s.iface("lan0").Links(UDP), 1)
	s.Equal("test-router", s.r.Config().Hostname)
}

func (s *RouterSuite) TestReconfigureStaticAddressChangeFlushesState() {
	s.learnHost()
	s.learnGateway()
	s.openUDP(5000, "8.8.8.8")

	cfg := testConfig()
	cfg.Domains[0].Interface = "10.0.0.2/24"
	s.Require().NoError(s.r.Reconfigure(cfg))

	ext := s.domain("extern")
	s.Equal(netip.MustParseAddr("10.0.0.2"), ext.IPConfig().Addr())
	s.Equal(0, ext.ARP().Len())
	s.Empty(s.iface("lan0").Links(UDP))
}

func (s *RouterSuite) TestReconfigureSwitchesDomainToDHCPClient() {
	lan := s.iface("lan0")
	s.Require().True(lan.LinkState())

	cfg := testConfig()
	cfg.Domains[1].Interface = ""
	cfg.Domains[1].DHCPServer = nil
	cfg.Timeouts.DHCPDiscover = 3
	s.Require().NoError(s.r.Reconfigure(cfg))

	intern := s.domain("intern")
	s.False(intern.Ready())
	s.False(lan.LinkState(), "域未就绪时会话接口对端看不到链路")
	client := lan.DHCPClient()
	s.Require().NotNil(client)
	s.Equal(3*time.Second, client.Timeouts().Discover)

	// 再次加载只改变超时，已运行的客户端同步新的重传间隔
	cfg = testConfig()
	cfg.Domains[1].Interface = ""
	cfg.Domains[1].DHCPServer = nil
	cfg.Timeouts.DHCPDiscover = 7
	s.Require().NoError(s.r.Reconfigure(cfg))
	s.Same(client, lan.DHCPClient())
	s.Equal(7*time.Second, client.Timeouts().Discover)

	// 恢复静态地址后域重新就绪
	s.Require().NoError(s.r.Reconfigure(testConfig()))
	s.True(s.domain("intern").Ready())
	s.True(lan.LinkState())
	s.Nil(lan.DHCPClient())
}
