package packet

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

// ARP协议常量
const (
	ARPPacketLen = 28

	ARPHardwareTypeEthernet uint16 = 1
	ARPOperationRequest     uint16 = 1
	ARPOperationReply       uint16 = 2
)

// ARP 以太网/IPv4 ARP 报文视图
//
// 报文布局：
//
//	0   硬件类型      2  协议类型
//	4   硬件地址长度  5  协议地址长度
//	6   操作码
//	8   发送方MAC    14  发送方IP
//	18  目标MAC      24  目标IP
type ARP []byte

// ParseARP 校验并返回ARP报文视图
// 只接受 Ethernet/IPv4 组合，其他组合返回 ErrBadProtocol
func ParseARP(b []byte, g *SizeGuard) (ARP, error) {
	if err := g.ConsumeHead(ARPPacketLen); err != nil {
		return nil, err
	}
	if err := check(b, ARPPacketLen); err != nil {
		return nil, err
	}
	a := ARP(b[:ARPPacketLen])
	if binary.BigEndian.Uint16(a[0:2]) != ARPHardwareTypeEthernet ||
		binary.BigEndian.Uint16(a[2:4]) != EtherTypeIPv4 ||
		a[4] != 6 || a[5] != 4 {
		return nil, errors.Wrap(ErrBadProtocol, "arp: not ethernet/ipv4")
	}
	return a, nil
}

// ConstructARP 写入完整的ARP报文
func ConstructARP(b []byte, g *SizeGuard, op uint16, senderMAC MAC, senderIP netip.Addr, targetMAC MAC, targetIP netip.Addr) (ARP, error) {
	if err := g.ConsumeHead(ARPPacketLen); err != nil {
		return nil, err
	}
	if err := check(b, ARPPacketLen); err != nil {
		return nil, err
	}
	a := ARP(b[:ARPPacketLen])
	binary.BigEndian.PutUint16(a[0:2], ARPHardwareTypeEthernet)
	binary.BigEndian.PutUint16(a[2:4], EtherTypeIPv4)
	a[4] = 6
	a[5] = 4
	binary.BigEndian.PutUint16(a[6:8], op)
	copy(a[8:14], senderMAC[:])
	putAddr(a[14:18], senderIP)
	copy(a[18:24], targetMAC[:])
	putAddr(a[24:28], targetIP)
	return a, nil
}

func (a ARP) Operation() uint16    { return binary.BigEndian.Uint16(a[6:8]) }
func (a ARP) SenderMAC() MAC       { return MAC(a[8:14]) }
func (a ARP) SenderIP() netip.Addr { return netip.AddrFrom4([4]byte(a[14:18])) }
func (a ARP) TargetMAC() MAC       { return MAC(a[18:24]) }
func (a ARP) TargetIP() netip.Addr { return netip.AddrFrom4([4]byte(a[24:28])) }
