package packet

import (
	"encoding/binary"
	"net/netip"
)

// sum 按16位大端字累加，奇数长度时末字节补零
func sum(data []byte, initial uint32) uint32 {
	s := initial
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		s += uint32(binary.BigEndian.Uint16(data[i:]))
	}
	if n%2 == 1 {
		s += uint32(data[n-1]) << 8
	}
	return s
}

// fold 将32位累加和折叠为16位反码和
func fold(s uint32) uint16 {
	for s>>16 != 0 {
		s = (s & 0xffff) + (s >> 16)
	}
	return uint16(s)
}

// InternetChecksum 计算 RFC 1071 校验和
// data 中的校验和字段必须事先清零
func InternetChecksum(data []byte) uint16 {
	return ^fold(sum(data, 0))
}

// pseudoHeaderSum IPv4 伪首部累加和
func pseudoHeaderSum(src, dst netip.Addr, protocol uint8, length int) uint32 {
	s4 := src.As4()
	d4 := dst.As4()
	s := sum(s4[:], 0)
	s = sum(d4[:], s)
	s += uint32(protocol)
	s += uint32(length)
	return s
}

// TransportChecksum 计算 TCP/UDP 校验和（含伪首部）
// seg 中的校验和字段必须事先清零
func TransportChecksum(src, dst netip.Addr, protocol uint8, seg []byte) uint16 {
	return ^fold(sum(seg, pseudoHeaderSum(src, dst, protocol, len(seg))))
}

// ChecksumDiff 增量校验和累加器（RFC 1624）
// 改写字段时记录新旧内容之差，最后一次性作用到原校验和上，
// 无需重新遍历整个报文。
type ChecksumDiff struct {
	value uint32
}

// AddUpDiff 记录字段从 sub 改为 add
// 两个切片必须等长且从偶数偏移开始
func (d *ChecksumDiff) AddUpDiff(add, sub []byte) {
	n := len(add)
	for i := 0; i+1 < n; i += 2 {
		d.value += uint32(binary.BigEndian.Uint16(add[i:]))
		d.value += uint32(^binary.BigEndian.Uint16(sub[i:]))
		d.value = uint32(fold(d.value))
	}
	if n%2 == 1 {
		d.value += uint32(add[n-1]) << 8
		d.value += uint32(^(uint16(sub[n-1]) << 8))
		d.value = uint32(fold(d.value))
	}
}

// AddUpAddr 记录一个IPv4地址的改写
func (d *ChecksumDiff) AddUpAddr(add, sub netip.Addr) {
	a := add.As4()
	s := sub.As4()
	d.AddUpDiff(a[:], s[:])
}

// AddUpPort 记录一个16位端口（或ICMP标识符）的改写
func (d *ChecksumDiff) AddUpPort(add, sub uint16) {
	var a, s [2]byte
	binary.BigEndian.PutUint16(a[:], add)
	binary.BigEndian.PutUint16(s[:], sub)
	d.AddUpDiff(a[:], s[:])
}

// ApplyTo 把累计差值作用到校验和上：HC' = ~(~HC + ~m + m')
func (d ChecksumDiff) ApplyTo(checksum uint16) uint16 {
	return ^fold(uint32(^checksum) + d.value)
}
