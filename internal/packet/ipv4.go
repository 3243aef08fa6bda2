package packet

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

// IPv4 常量
const (
	IPv4MinHeaderLen = 20
	IPv4DefaultTTL   = 64

	IPProtocolICMP uint8 = 1
	IPProtocolTCP  uint8 = 6
	IPProtocolUDP  uint8 = 17

	ipv4FlagMoreFragments = 0x2000
	ipv4FragmentOffset    = 0x1fff
)

// IPv4 IPv4 数据报视图，长度截止到总长度字段
type IPv4 []byte

// ParseIPv4 校验版本、首部长度与总长度并返回视图
// 以太网尾部填充不计入返回的视图
func ParseIPv4(b []byte, g *SizeGuard) (IPv4, error) {
	if err := g.ConsumeHead(IPv4MinHeaderLen); err != nil {
		return nil, err
	}
	if err := check(b, IPv4MinHeaderLen); err != nil {
		return nil, err
	}
	if b[0]>>4 != 4 {
		return nil, errors.Wrapf(ErrBadProtocol, "ip version %d", b[0]>>4)
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < IPv4MinHeaderLen {
		return nil, errors.Wrapf(ErrBadProtocol, "ip header length %d", ihl)
	}
	if err := g.ConsumeHead(ihl - IPv4MinHeaderLen); err != nil {
		return nil, err
	}
	total := int(binary.BigEndian.Uint16(b[2:4]))
	if total < ihl {
		return nil, errors.Wrapf(ErrBadProtocol, "ip total length %d below header length %d", total, ihl)
	}
	if err := check(b, total); err != nil {
		return nil, err
	}
	return IPv4(b[:total]), nil
}

// ConstructIPv4 写入不带选项的 IPv4 首部，payloadLen 为载荷长度
// 首部校验和在调用方填完载荷后通过 UpdateChecksum 计算
func ConstructIPv4(b []byte, g *SizeGuard, protocol uint8, src, dst netip.Addr, payloadLen int) (IPv4, error) {
	if err := g.ConsumeHead(IPv4MinHeaderLen); err != nil {
		return nil, err
	}
	total := IPv4MinHeaderLen + payloadLen
	if err := check(b, total); err != nil {
		return nil, err
	}
	ip := IPv4(b[:total])
	ip[0] = 4<<4 | IPv4MinHeaderLen/4
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(total))
	binary.BigEndian.PutUint16(ip[4:6], 0)
	binary.BigEndian.PutUint16(ip[6:8], 0)
	ip[8] = IPv4DefaultTTL
	ip[9] = protocol
	ip.SetSrc(src)
	ip.SetDst(dst)
	return ip, nil
}

func (ip IPv4) HeaderLen() int { return int(ip[0]&0x0f) * 4 }
func (ip IPv4) TotalLen() int  { return int(binary.BigEndian.Uint16(ip[2:4])) }
func (ip IPv4) TTL() uint8     { return ip[8] }
func (ip IPv4) Protocol() uint8 {
	return ip[9]
}

// Fragmented 是否为分片（MF 置位或偏移非零）
func (ip IPv4) Fragmented() bool {
	f := binary.BigEndian.Uint16(ip[6:8])
	return f&ipv4FlagMoreFragments != 0 || f&ipv4FragmentOffset != 0
}

func (ip IPv4) Checksum() uint16     { return binary.BigEndian.Uint16(ip[10:12]) }
func (ip IPv4) SetChecksum(c uint16) { binary.BigEndian.PutUint16(ip[10:12], c) }
func (ip IPv4) Src() netip.Addr      { return netip.AddrFrom4([4]byte(ip[12:16])) }
func (ip IPv4) Dst() netip.Addr      { return netip.AddrFrom4([4]byte(ip[16:20])) }
func (ip IPv4) SetSrc(a netip.Addr)  { putAddr(ip[12:16], a) }
func (ip IPv4) SetDst(a netip.Addr)  { putAddr(ip[16:20], a) }
func (ip IPv4) Header() []byte       { return ip[:ip.HeaderLen()] }
func (ip IPv4) Payload() []byte      { return ip[ip.HeaderLen():] }

// UpdateChecksum 重新计算首部校验和
func (ip IPv4) UpdateChecksum() {
	ip.SetChecksum(0)
	ip.SetChecksum(InternetChecksum(ip.Header()))
}

// SetSrcDiff 改写源地址并把差值记入首部和传输层两个累加器
func (ip IPv4) SetSrcDiff(a netip.Addr, header, transport *ChecksumDiff) {
	old := ip.Src()
	header.AddUpAddr(a, old)
	if transport != nil {
		transport.AddUpAddr(a, old)
	}
	ip.SetSrc(a)
}

// SetDstDiff 改写目的地址并记录差值
func (ip IPv4) SetDstDiff(a netip.Addr, header, transport *ChecksumDiff) {
	old := ip.Dst()
	header.AddUpAddr(a, old)
	if transport != nil {
		transport.AddUpAddr(a, old)
	}
	ip.SetDst(a)
}

// ApplyChecksumDiff 把差值作用到首部校验和
func (ip IPv4) ApplyChecksumDiff(d ChecksumDiff) {
	ip.SetChecksum(d.ApplyTo(ip.Checksum()))
}

func putAddr(b []byte, a netip.Addr) {
	a4 := a.As4()
	copy(b, a4[:])
}

// ParseEmbeddedIPv4 解析 ICMP 差错报文中携带的原始数据报
// 原始报文通常被截断，只要求首部与其后8字节可用，不校验总长度字段
func ParseEmbeddedIPv4(b []byte, g *SizeGuard) (IPv4, error) {
	if err := g.ConsumeHead(IPv4MinHeaderLen); err != nil {
		return nil, err
	}
	if err := check(b, IPv4MinHeaderLen); err != nil {
		return nil, err
	}
	if b[0]>>4 != 4 {
		return nil, errors.Wrapf(ErrBadProtocol, "embedded ip version %d", b[0]>>4)
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < IPv4MinHeaderLen {
		return nil, errors.Wrapf(ErrBadProtocol, "embedded ip header length %d", ihl)
	}
	if err := g.ConsumeHead(ihl - IPv4MinHeaderLen + 8); err != nil {
		return nil, err
	}
	if err := check(b, ihl+8); err != nil {
		return nil, err
	}
	return IPv4(b), nil
}
