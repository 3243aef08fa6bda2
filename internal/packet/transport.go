package packet

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

// 传输层常量
const (
	UDPHeaderLen    = 8
	TCPMinHeaderLen = 20
	ICMPHeaderLen   = 8

	TCPFlagFIN uint8 = 0x01
	TCPFlagSYN uint8 = 0x02
	TCPFlagRST uint8 = 0x04
	TCPFlagPSH uint8 = 0x08
	TCPFlagACK uint8 = 0x10
)

// UDP UDP 数据报视图，长度截止到长度字段
type UDP []byte

// ParseUDP 校验并返回 UDP 视图
func ParseUDP(b []byte, g *SizeGuard) (UDP, error) {
	if err := g.ConsumeHead(UDPHeaderLen); err != nil {
		return nil, err
	}
	if err := check(b, UDPHeaderLen); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(b[4:6]))
	if length < UDPHeaderLen {
		return nil, errors.Wrapf(ErrBadProtocol, "udp length %d", length)
	}
	if err := check(b, length); err != nil {
		return nil, err
	}
	return UDP(b[:length]), nil
}

// ConstructUDP 写入 UDP 首部
func ConstructUDP(b []byte, g *SizeGuard, srcPort, dstPort uint16, payloadLen int) (UDP, error) {
	if err := g.ConsumeHead(UDPHeaderLen); err != nil {
		return nil, err
	}
	length := UDPHeaderLen + payloadLen
	if err := check(b, length); err != nil {
		return nil, err
	}
	u := UDP(b[:length])
	binary.BigEndian.PutUint16(u[0:2], srcPort)
	binary.BigEndian.PutUint16(u[2:4], dstPort)
	binary.BigEndian.PutUint16(u[4:6], uint16(length))
	binary.BigEndian.PutUint16(u[6:8], 0)
	return u, nil
}

func (u UDP) SrcPort() uint16      { return binary.BigEndian.Uint16(u[0:2]) }
func (u UDP) DstPort() uint16      { return binary.BigEndian.Uint16(u[2:4]) }
func (u UDP) Checksum() uint16     { return binary.BigEndian.Uint16(u[6:8]) }
func (u UDP) SetSrcPort(p uint16)  { binary.BigEndian.PutUint16(u[0:2], p) }
func (u UDP) SetDstPort(p uint16)  { binary.BigEndian.PutUint16(u[2:4], p) }
func (u UDP) SetChecksum(c uint16) { binary.BigEndian.PutUint16(u[6:8], c) }
func (u UDP) Payload() []byte      { return u[UDPHeaderLen:] }

// UpdateChecksum 重新计算 UDP 校验和
func (u UDP) UpdateChecksum(src, dst netip.Addr) {
	u.SetChecksum(0)
	c := TransportChecksum(src, dst, IPProtocolUDP, u)
	if c == 0 {
		c = 0xffff
	}
	u.SetChecksum(c)
}

// ApplyChecksumDiff 增量修正 UDP 校验和，校验和为0（未启用）时保持不变
func (u UDP) ApplyChecksumDiff(d ChecksumDiff) {
	if u.Checksum() == 0 {
		return
	}
	c := d.ApplyTo(u.Checksum())
	if c == 0 {
		c = 0xffff
	}
	u.SetChecksum(c)
}

// TCP TCP 报文段视图（只检查首部，不做载荷重组）
type TCP []byte

// ParseTCP 校验并返回 TCP 视图
func ParseTCP(b []byte, g *SizeGuard) (TCP, error) {
	if err := g.ConsumeHead(TCPMinHeaderLen); err != nil {
		return nil, err
	}
	if err := check(b, TCPMinHeaderLen); err != nil {
		return nil, err
	}
	off := int(b[12]>>4) * 4
	if off < TCPMinHeaderLen {
		return nil, errors.Wrapf(ErrBadProtocol, "tcp data offset %d", off)
	}
	if err := g.ConsumeHead(off - TCPMinHeaderLen); err != nil {
		return nil, err
	}
	if err := check(b, off); err != nil {
		return nil, err
	}
	return TCP(b), nil
}

func (t TCP) SrcPort() uint16      { return binary.BigEndian.Uint16(t[0:2]) }
func (t TCP) DstPort() uint16      { return binary.BigEndian.Uint16(t[2:4]) }
func (t TCP) Flags() uint8         { return t[13] }
func (t TCP) Checksum() uint16     { return binary.BigEndian.Uint16(t[16:18]) }
func (t TCP) SetSrcPort(p uint16)  { binary.BigEndian.PutUint16(t[0:2], p) }
func (t TCP) SetDstPort(p uint16)  { binary.BigEndian.PutUint16(t[2:4], p) }
func (t TCP) SetChecksum(c uint16) { binary.BigEndian.PutUint16(t[16:18], c) }

func (t TCP) SYN() bool { return t.Flags()&TCPFlagSYN != 0 }
func (t TCP) ACK() bool { return t.Flags()&TCPFlagACK != 0 }
func (t TCP) FIN() bool { return t.Flags()&TCPFlagFIN != 0 }
func (t TCP) RST() bool { return t.Flags()&TCPFlagRST != 0 }

// UpdateChecksum 重新计算 TCP 校验和
func (t TCP) UpdateChecksum(src, dst netip.Addr) {
	t.SetChecksum(0)
	t.SetChecksum(TransportChecksum(src, dst, IPProtocolTCP, t))
}

// ApplyChecksumDiff 增量修正 TCP 校验和
func (t TCP) ApplyChecksumDiff(d ChecksumDiff) {
	t.SetChecksum(d.ApplyTo(t.Checksum()))
}

// ICMP 类型与代码
const (
	ICMPTypeEchoReply       uint8 = 0
	ICMPTypeDstUnreachable  uint8 = 3
	ICMPTypeEchoRequest     uint8 = 8
	ICMPTypeTimeExceeded    uint8 = 11
	ICMPTypeParamProblem    uint8 = 12
	ICMPCodeFragmentNeeded  uint8 = 4
	ICMPCodeHostUnreachable uint8 = 1
)

// ICMP ICMP 报文视图
type ICMP []byte

// ParseICMP 校验并返回 ICMP 视图
func ParseICMP(b []byte, g *SizeGuard) (ICMP, error) {
	if err := g.ConsumeHead(ICMPHeaderLen); err != nil {
		return nil, err
	}
	if err := check(b, ICMPHeaderLen); err != nil {
		return nil, err
	}
	return ICMP(b), nil
}

// ConstructICMP 写入 ICMP 首部，rest 为首部后4字节
func ConstructICMP(b []byte, g *SizeGuard, typ, code uint8, rest uint32, dataLen int) (ICMP, error) {
	if err := g.ConsumeHead(ICMPHeaderLen); err != nil {
		return nil, err
	}
	if err := check(b, ICMPHeaderLen+dataLen); err != nil {
		return nil, err
	}
	m := ICMP(b[:ICMPHeaderLen+dataLen])
	m[0] = typ
	m[1] = code
	binary.BigEndian.PutUint16(m[2:4], 0)
	binary.BigEndian.PutUint32(m[4:8], rest)
	return m, nil
}

func (m ICMP) Type() uint8          { return m[0] }
func (m ICMP) Code() uint8          { return m[1] }
func (m ICMP) Checksum() uint16     { return binary.BigEndian.Uint16(m[2:4]) }
func (m ICMP) SetChecksum(c uint16) { binary.BigEndian.PutUint16(m[2:4], c) }
func (m ICMP) QueryID() uint16      { return binary.BigEndian.Uint16(m[4:6]) }
func (m ICMP) SetQueryID(id uint16) { binary.BigEndian.PutUint16(m[4:6], id) }
func (m ICMP) Rest() uint32         { return binary.BigEndian.Uint32(m[4:8]) }
func (m ICMP) Data() []byte         { return m[ICMPHeaderLen:] }

// IsQuery 是否为回显请求/应答
func (m ICMP) IsQuery() bool {
	return m.Type() == ICMPTypeEchoRequest || m.Type() == ICMPTypeEchoReply
}

// IsError 是否为携带原始报文的差错报文
func (m ICMP) IsError() bool {
	switch m.Type() {
	case ICMPTypeDstUnreachable, ICMPTypeTimeExceeded, ICMPTypeParamProblem:
		return true
	}
	return false
}

// UpdateChecksum 重新计算 ICMP 校验和
func (m ICMP) UpdateChecksum() {
	m.SetChecksum(0)
	m.SetChecksum(InternetChecksum(m))
}

// ApplyChecksumDiff 增量修正 ICMP 校验和
func (m ICMP) ApplyChecksumDiff(d ChecksumDiff) {
	m.SetChecksum(d.ApplyTo(m.Checksum()))
}
