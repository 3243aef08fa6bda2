package packet

import (
	"encoding/binary"
	"net"
)

// 以太网常量
const (
	EthernetHeaderLen = 14

	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
)

// MAC 以太网硬件地址
type MAC [6]byte

// BroadcastMAC 以太网广播地址
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseMAC 解析 "02:00:00:00:00:01" 形式的地址
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	if len(hw) != 6 {
		return MAC{}, ErrBadProtocol
	}
	return MAC(hw), nil
}

// IsBroadcast 是否为广播地址
func (m MAC) IsBroadcast() bool { return m == BroadcastMAC }

// HWAddr 转换为标准库表示
func (m MAC) HWAddr() net.HardwareAddr { return net.HardwareAddr(m[:]) }

func (m MAC) String() string { return m.HWAddr().String() }

// Ethernet 以太网帧视图
type Ethernet []byte

// ParseEthernet 校验并返回以太网帧视图
func ParseEthernet(b []byte, g *SizeGuard) (Ethernet, error) {
	if err := g.ConsumeHead(EthernetHeaderLen); err != nil {
		return nil, err
	}
	if err := check(b, EthernetHeaderLen); err != nil {
		return nil, err
	}
	return Ethernet(b), nil
}

// ConstructEthernet 在 b 上写入以太网头部
func ConstructEthernet(b []byte, g *SizeGuard, dst, src MAC, etherType uint16) (Ethernet, error) {
	e, err := ParseEthernet(b, g)
	if err != nil {
		return nil, err
	}
	e.SetDst(dst)
	e.SetSrc(src)
	binary.BigEndian.PutUint16(e[12:14], etherType)
	return e, nil
}

func (e Ethernet) Dst() MAC         { return MAC(e[0:6]) }
func (e Ethernet) Src() MAC         { return MAC(e[6:12]) }
func (e Ethernet) Type() uint16     { return binary.BigEndian.Uint16(e[12:14]) }
func (e Ethernet) Payload() []byte  { return e[EthernetHeaderLen:] }
func (e Ethernet) SetDst(m MAC)     { copy(e[0:6], m[:]) }
func (e Ethernet) SetSrc(m MAC)     { copy(e[6:12], m[:]) }
func (e Ethernet) SetType(t uint16) { binary.BigEndian.PutUint16(e[12:14], t) }
