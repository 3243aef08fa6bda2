package packet

import (
	"encoding/binary"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

// DHCP 端口
const (
	DHCPServerPort uint16 = 67
	DHCPClientPort uint16 = 68

	dhcpFixedLen = 240
)

// DHCPMessage DHCP 报文
// 编解码委托给 gopacket 的 DHCPv4 层，本类型只补充路由器用到的取值/构造辅助
type DHCPMessage struct {
	*layers.DHCPv4
}

// ParseDHCP 解析 UDP 载荷中的 DHCP 报文
func ParseDHCP(b []byte, g *SizeGuard) (*DHCPMessage, error) {
	if err := g.ConsumeHead(len(b)); err != nil {
		return nil, err
	}
	if err := check(b, dhcpFixedLen); err != nil {
		return nil, err
	}
	// chaddr 字段最长16字节，硬件地址长度越界的报文直接拒绝
	if b[2] > 16 {
		return nil, errors.Wrapf(ErrBadProtocol, "dhcp hardware length %d", b[2])
	}
	d := &layers.DHCPv4{}
	if err := d.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return nil, errors.Wrap(ErrBadProtocol, err.Error())
	}
	if d.HardwareType != layers.LinkTypeEthernet || d.HardwareLen != 6 || len(d.ClientHWAddr) < 6 {
		return nil, errors.Wrap(ErrBadProtocol, "dhcp: not ethernet")
	}
	return &DHCPMessage{DHCPv4: d}, nil
}

// NewDHCPReply 以请求为模板构造应答报文
func NewDHCPReply(req *DHCPMessage, typ layers.DHCPMsgType) *DHCPMessage {
	d := &layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          req.Xid,
		Flags:        req.Flags,
		ClientIP:     net.IPv4zero,
		YourClientIP: net.IPv4zero,
		NextServerIP: net.IPv4zero,
		RelayAgentIP: req.RelayAgentIP,
		ClientHWAddr: req.ClientHWAddr,
	}
	m := &DHCPMessage{DHCPv4: d}
	m.AddOption(layers.DHCPOptMessageType, []byte{byte(typ)})
	return m
}

// NewDHCPRequest 构造客户端报文
func NewDHCPRequest(typ layers.DHCPMsgType, xid uint32, mac MAC) *DHCPMessage {
	d := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          xid,
		ClientIP:     net.IPv4zero,
		YourClientIP: net.IPv4zero,
		NextServerIP: net.IPv4zero,
		RelayAgentIP: net.IPv4zero,
		ClientHWAddr: mac.HWAddr(),
	}
	m := &DHCPMessage{DHCPv4: d}
	m.AddOption(layers.DHCPOptMessageType, []byte{byte(typ)})
	return m
}

// AddOption 追加一个选项
func (m *DHCPMessage) AddOption(t layers.DHCPOpt, data []byte) {
	m.Options = append(m.Options, layers.NewDHCPOption(t, data))
}

// AddAddrOption 追加一个地址类选项
func (m *DHCPMessage) AddAddrOption(t layers.DHCPOpt, addrs ...netip.Addr) {
	var data []byte
	for _, a := range addrs {
		a4 := a.As4()
		data = append(data, a4[:]...)
	}
	if len(data) > 0 {
		m.AddOption(t, data)
	}
}

// AddDurationOption 追加一个以秒为单位的时间选项
func (m *DHCPMessage) AddDurationOption(t layers.DHCPOpt, d time.Duration) {
	m.AddOption(t, binary.BigEndian.AppendUint32(nil, uint32(d/time.Second)))
}

// Option 查找选项
func (m *DHCPMessage) Option(t layers.DHCPOpt) ([]byte, bool) {
	for _, o := range m.Options {
		if o.Type == t {
			return o.Data, true
		}
	}
	return nil, false
}

// MessageType 报文类型，缺失时返回 DHCPMsgTypeUnspecified
func (m *DHCPMessage) MessageType() layers.DHCPMsgType {
	if v, ok := m.Option(layers.DHCPOptMessageType); ok && len(v) == 1 {
		return layers.DHCPMsgType(v[0])
	}
	return layers.DHCPMsgTypeUnspecified
}

// AddrOption 读取第一个地址类选项
func (m *DHCPMessage) AddrOption(t layers.DHCPOpt) (netip.Addr, bool) {
	v, ok := m.Option(t)
	if !ok || len(v) < 4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(v[:4])), true
}

// DurationOption 读取以秒为单位的时间选项
func (m *DHCPMessage) DurationOption(t layers.DHCPOpt) (time.Duration, bool) {
	v, ok := m.Option(t)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return time.Duration(binary.BigEndian.Uint32(v)) * time.Second, true
}

// ClientMAC 客户端硬件地址
func (m *DHCPMessage) ClientMAC() MAC {
	return MAC(m.ClientHWAddr[:6])
}

// YourAddr 分配给客户端的地址
func (m *DHCPMessage) YourAddr() netip.Addr {
	return toAddr(m.YourClientIP)
}

// ClientAddr 客户端当前地址（ciaddr）
func (m *DHCPMessage) ClientAddr() netip.Addr {
	return toAddr(m.ClientIP)
}

// SetYourAddr 设置 yiaddr
func (m *DHCPMessage) SetYourAddr(a netip.Addr) {
	m.YourClientIP = net.IP(a.AsSlice())
}

// SetClientAddr 设置 ciaddr
func (m *DHCPMessage) SetClientAddr(a netip.Addr) {
	m.ClientIP = net.IP(a.AsSlice())
}

// Serialize 编码为字节序列
func (m *DHCPMessage) Serialize() ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := m.SerializeTo(buf, opts); err != nil {
		return nil, errors.Wrap(err, "serialize dhcp")
	}
	return buf.Bytes(), nil
}

func toAddr(ip net.IP) netip.Addr {
	if ip4 := ip.To4(); ip4 != nil {
		return netip.AddrFrom4([4]byte(ip4))
	}
	return netip.IPv4Unspecified()
}
