package packet

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSrcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	testDstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

func ipLayer(proto layers.IPProtocol, src, dst string) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
}

func ethLayer() *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: layers.EthernetTypeIPv4}
}

func buildUDPFrame(t *testing.T, src, dst string, sport, dport uint16, payload []byte) []byte {
	ip := ipLayer(layers.IPProtocolUDP, src, dst)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ethLayer(), ip, udp, gopacket.Payload(payload))
}

func buildTCPFrame(t *testing.T, src, dst string, sport, dport uint16, payload []byte) []byte {
	ip := ipLayer(layers.IPProtocolTCP, src, dst)
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), Seq: 1000, SYN: true, Window: 65535}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ethLayer(), ip, tcp, gopacket.Payload(payload))
}

func TestSizeGuard(t *testing.T) {
	g := NewSizeGuard(20)
	require.NoError(t, g.ConsumeHead(14))
	require.NoError(t, g.ConsumeTail(4))
	assert.Equal(t, 2, g.Unconsumed())
	assert.ErrorIs(t, g.ConsumeHead(3), ErrTruncated)
	assert.ErrorIs(t, g.ConsumeHead(-1), ErrTruncated)
	require.NoError(t, g.ConsumeHead(2))
	assert.Equal(t, 16, g.HeadSize())
	assert.Equal(t, 0, g.Unconsumed())
}

// 低于各协议最小首部长度的帧必须被拒绝
func TestParseTruncated(t *testing.T) {
	udp := buildUDPFrame(t, "10.0.1.5", "8.8.8.8", 4000, 53, []byte("hello"))
	tcp := buildTCPFrame(t, "10.0.1.5", "8.8.8.8", 4000, 80, nil)

	parseUDP := func(frame []byte) error {
		g := NewSizeGuard(len(frame))
		eth, err := ParseEthernet(frame, g)
		if err != nil {
			return err
		}
		ip, err := ParseIPv4(eth.Payload(), g)
		if err != nil {
			return err
		}
		_, err = ParseUDP(ip.Payload(), g)
		return err
	}
	parseTCP := func(frame []byte) error {
		g := NewSizeGuard(len(frame))
		eth, err := ParseEthernet(frame, g)
		if err != nil {
			return err
		}
		ip, err := ParseIPv4(eth.Payload(), g)
		if err != nil {
			return err
		}
		_, err = ParseTCP(ip.Payload(), g)
		return err
	}

	require.NoError(t, parseUDP(udp))
	require.NoError(t, parseTCP(tcp))

	minUDP := EthernetHeaderLen + IPv4MinHeaderLen + UDPHeaderLen
	for size := 0; size < minUDP; size++ {
		assert.ErrorIs(t, parseUDP(udp[:size]), ErrTruncated, "udp size %d", size)
	}
	minTCP := EthernetHeaderLen + IPv4MinHeaderLen + TCPMinHeaderLen
	for size := 0; size < minTCP; size++ {
		assert.ErrorIs(t, parseTCP(tcp[:size]), ErrTruncated, "tcp size %d", size)
	}

	arp := make([]byte, EthernetHeaderLen+ARPPacketLen)
	for size := EthernetHeaderLen; size < len(arp); size++ {
		g := NewSizeGuard(size)
		eth, err := ParseEthernet(arp[:size], g)
		require.NoError(t, err)
		_, err = ParseARP(eth.Payload(), g)
		assert.ErrorIs(t, err, ErrTruncated, "arp size %d", size)
	}

	for size := 0; size < ICMPHeaderLen; size++ {
		_, err := ParseICMP(make([]byte, size), NewSizeGuard(size))
		assert.ErrorIs(t, err, ErrTruncated)
	}
}

// IPv4 总长度大于实际数据时视为截断
func TestParseIPv4LengthMismatch(t *testing.T) {
	frame := buildUDPFrame(t, "10.0.1.5", "8.8.8.8", 4000, 53, []byte("payload"))
	frame[EthernetHeaderLen+2] = 0x05
	frame[EthernetHeaderLen+3] = 0xdc

	g := NewSizeGuard(len(frame))
	eth, err := ParseEthernet(frame, g)
	require.NoError(t, err)
	_, err = ParseIPv4(eth.Payload(), g)
	assert.ErrorIs(t, err, ErrTruncated)

	frame[EthernetHeaderLen] = 0x65
	_, err = ParseIPv4(eth.Payload(), NewSizeGuard(len(frame)))
	assert.ErrorIs(t, err, ErrBadProtocol)
}

func TestInternetChecksumMatchesGopacket(t *testing.T) {
	frame := buildUDPFrame(t, "192.168.1.10", "192.168.1.1", 1234, 5678, []byte("odd"))
	g := NewSizeGuard(len(frame))
	eth, err := ParseEthernet(frame, g)
	require.NoError(t, err)
	ip, err := ParseIPv4(eth.Payload(), g)
	require.NoError(t, err)
	udp, err := ParseUDP(ip.Payload(), g)
	require.NoError(t, err)

	ipSum, udpSum := ip.Checksum(), udp.Checksum()
	ip.UpdateChecksum()
	udp.UpdateChecksum(ip.Src(), ip.Dst())
	assert.Equal(t, ipSum, ip.Checksum())
	assert.Equal(t, udpSum, udp.Checksum())
}

// 源地址转换后再反向转换，增量修正的校验和必须与重新计算的一致
func TestChecksumDiffRoundTrip(t *testing.T) {
	natIP := netip.MustParseAddr("10.0.0.1")
	cases := []struct {
		name  string
		frame []byte
	}{
		{"udp", buildUDPFrame(t, "10.0.1.5", "8.8.8.8", 4000, 53, []byte("query"))},
		{"tcp", buildTCPFrame(t, "10.0.1.5", "8.8.8.8", 4000, 80, []byte("GET /"))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := tc.frame
			g := NewSizeGuard(len(frame))
			eth, err := ParseEthernet(frame, g)
			require.NoError(t, err)
			ip, err := ParseIPv4(eth.Payload(), g)
			require.NoError(t, err)

			origIPSum := ip.Checksum()
			origSrc := ip.Src()

			rewrite := func(addr netip.Addr, port uint16) {
				var ipDiff, l4Diff ChecksumDiff
				ip.SetSrcDiff(addr, &ipDiff, &l4Diff)
				ip.ApplyChecksumDiff(ipDiff)
				switch ip.Protocol() {
				case IPProtocolUDP:
					u := UDP(ip.Payload())
					l4Diff.AddUpPort(port, u.SrcPort())
					u.SetSrcPort(port)
					u.ApplyChecksumDiff(l4Diff)
				case IPProtocolTCP:
					s := TCP(ip.Payload())
					l4Diff.AddUpPort(port, s.SrcPort())
					s.SetSrcPort(port)
					s.ApplyChecksumDiff(l4Diff)
				}
			}
			scratch := func() (uint16, uint16) {
				hdr := append([]byte(nil), ip.Header()...)
				hdr[10], hdr[11] = 0, 0
				seg := append([]byte(nil), ip.Payload()...)
				if ip.Protocol() == IPProtocolUDP {
					seg[6], seg[7] = 0, 0
				} else {
					seg[16], seg[17] = 0, 0
				}
				return InternetChecksum(hdr), TransportChecksum(ip.Src(), ip.Dst(), ip.Protocol(), seg)
			}
			l4Sum := func() uint16 {
				if ip.Protocol() == IPProtocolUDP {
					return UDP(ip.Payload()).Checksum()
				}
				return TCP(ip.Payload()).Checksum()
			}
			origL4Sum := l4Sum()

			rewrite(natIP, 40000)
			wantIP, wantL4 := scratch()
			assert.Equal(t, wantIP, ip.Checksum())
			assert.Equal(t, wantL4, l4Sum())

			rewrite(origSrc, 4000)
			assert.Equal(t, origIPSum, ip.Checksum())
			assert.Equal(t, origL4Sum, l4Sum())

			decoded := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
			assert.Nil(t, decoded.ErrorLayer())
		})
	}
}

func TestParseDHCP(t *testing.T) {
	mac := MAC{0x02, 0, 0, 0, 0, 0x01}
	req := NewDHCPRequest(layers.DHCPMsgTypeRequest, 0xdeadbeef, mac)
	req.AddAddrOption(layers.DHCPOptRequestIP, netip.MustParseAddr("10.0.1.100"))
	raw, err := req.Serialize()
	require.NoError(t, err)

	msg, err := ParseDHCP(raw, NewSizeGuard(len(raw)))
	require.NoError(t, err)
	assert.Equal(t, layers.DHCPMsgTypeRequest, msg.MessageType())
	assert.Equal(t, mac, msg.ClientMAC())
	assert.Equal(t, uint32(0xdeadbeef), msg.Xid)
	ip, ok := msg.AddrOption(layers.DHCPOptRequestIP)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.0.1.100"), ip)

	_, err = ParseDHCP(raw[:100], NewSizeGuard(100))
	assert.ErrorIs(t, err, ErrTruncated)

	bad := append([]byte(nil), raw...)
	bad[2] = 200
	_, err = ParseDHCP(bad, NewSizeGuard(len(bad)))
	assert.ErrorIs(t, err, ErrBadProtocol)
}

func TestConstructARP(t *testing.T) {
	buf := make([]byte, EthernetHeaderLen+ARPPacketLen)
	g := NewSizeGuard(len(buf))
	src := MAC(testSrcMAC)
	eth, err := ConstructEthernet(buf, g, BroadcastMAC, src, EtherTypeARP)
	require.NoError(t, err)
	_, err = ConstructARP(eth.Payload(), g, ARPOperationRequest, src,
		netip.MustParseAddr("10.0.0.1"), MAC{}, netip.MustParseAddr("10.0.0.2"))
	require.NoError(t, err)

	decoded := gopacket.NewPacket(buf, layers.LayerTypeEthernet, gopacket.Default)
	a, ok := decoded.Layer(layers.LayerTypeARP).(*layers.ARP)
	require.True(t, ok)
	assert.Equal(t, uint16(layers.ARPRequest), a.Operation)
	assert.Equal(t, []byte{10, 0, 0, 2}, a.DstProtAddress)
	assert.Equal(t, []byte(testSrcMAC), a.SourceHwAddress)
}

func TestParseEmbeddedIPv4(t *testing.T) {
	full := serialize(t,
		ipLayer(layers.IPProtocolUDP, "10.0.0.1", "8.8.8.8"),
		&layers.UDP{SrcPort: 40000, DstPort: 53},
		gopacket.Payload(make([]byte, 64)),
	)
	// ICMP 差错报文只携带首部与8字节载荷
	cut := full[:IPv4MinHeaderLen+8]
	ip, err := ParseEmbeddedIPv4(cut, NewSizeGuard(len(cut)))
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), ip.Src())
	assert.Equal(t, UDP(ip.Payload()).DstPort(), uint16(53))

	_, err = ParseIPv4(cut, NewSizeGuard(len(cut)))
	assert.ErrorIs(t, err, ErrTruncated)

	short := full[:IPv4MinHeaderLen+4]
	_, err = ParseEmbeddedIPv4(short, NewSizeGuard(len(short)))
	assert.ErrorIs(t, err, ErrTruncated)
}
