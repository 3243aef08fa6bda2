// Package dhcp 实现路由器域内的 DHCP 服务端与客户端逻辑。
//
// 服务端部分不直接收发报文：路由器接口解析出 DHCP 请求后，
// 通过 ServerSettings 构造应答，通过 AllocationTree 管理租约。
// 客户端部分由 Client 状态机实现，报文的封装与发送通过 ClientHooks 交给接口完成。
package dhcp

import (
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"nic-router/internal/config"
	"nic-router/internal/packet"
)

// ServerSettings 域内 DHCP 服务参数
type ServerSettings struct {
	// ServerIP 服务器标识，即路由器在本域的地址，同时作为客户端的网关
	ServerIP netip.Addr

	// Subnet 本域子网
	Subnet netip.Prefix

	// DNSServers DNS服务器列表
	DNSServers []netip.Addr

	// DomainName 域名
	DomainName string

	// LeaseTime 租约时间
	LeaseTime time.Duration

	// Pool 地址池
	Pool *IPAllocator
}

// NewServerSettings 根据域配置创建服务参数
// iface 为路由器在本域的地址（带前缀长度）
func NewServerSettings(cfg *config.DHCPServerConfig, iface netip.Prefix) (*ServerSettings, error) {
	first, err := netip.ParseAddr(cfg.IPFirst)
	if err != nil {
		return nil, errors.Wrap(err, "ip_first")
	}
	last, err := netip.ParseAddr(cfg.IPLast)
	if err != nil {
		return nil, errors.Wrap(err, "ip_last")
	}
	pool, err := NewIPAllocator(first, last)
	if err != nil {
		return nil, err
	}
	// 路由器自身地址落在地址池内时预先占用
	if pool.Contains(iface.Addr()) {
		if err := pool.AllocAddr(iface.Addr()); err != nil {
			return nil, err
		}
	}

	s := &ServerSettings{
		ServerIP:   iface.Addr(),
		Subnet:     iface.Masked(),
		DomainName: cfg.DomainName,
		LeaseTime:  config.Seconds(cfg.LeaseTime),
		Pool:       pool,
	}
	for _, d := range cfg.DNSServers {
		a, err := netip.ParseAddr(d)
		if err != nil {
			return nil, errors.Wrap(err, "dns_servers")
		}
		s.DNSServers = append(s.DNSServers, a)
	}
	return s, nil
}

// SubnetMask 子网掩码
func (s *ServerSettings) SubnetMask() net.IPMask {
	return net.CIDRMask(s.Subnet.Bits(), 32)
}

// Broadcast 子网广播地址
func (s *ServerSettings) Broadcast() netip.Addr {
	a := s.Subnet.Addr().As4()
	mask := s.SubnetMask()
	for i := range a {
		a[i] |= ^mask[i]
	}
	return netip.AddrFrom4(a)
}

// BuildReply 构造 OFFER/ACK/NAK 应答
//
// 参数：
//   - req: 客户端请求
//   - typ: 应答类型
//   - yiaddr: 分配给客户端的地址，NAK 与 INFORM 应答时传零值
func (s *ServerSettings) BuildReply(req *packet.DHCPMessage, typ layers.DHCPMsgType, yiaddr netip.Addr) *packet.DHCPMessage {
	reply := packet.NewDHCPReply(req, typ)
	reply.AddAddrOption(layers.DHCPOptServerID, s.ServerIP)
	if typ == layers.DHCPMsgTypeNak {
		return reply
	}
	if yiaddr.IsValid() {
		reply.SetYourAddr(yiaddr)
	}
	if typ == layers.DHCPMsgTypeAck && !yiaddr.IsValid() {
		// INFORM 应答保留客户端自己的地址
		reply.SetClientAddr(req.ClientAddr())
	} else {
		reply.AddDurationOption(layers.DHCPOptLeaseTime, s.LeaseTime)
		reply.AddDurationOption(layers.DHCPOptT1, s.LeaseTime/2)
		reply.AddDurationOption(layers.DHCPOptT2, s.LeaseTime*7/8)
	}

	reply.AddOption(layers.DHCPOptSubnetMask, s.SubnetMask())
	reply.AddAddrOption(layers.DHCPOptRouter, s.ServerIP)
	reply.AddAddrOption(layers.DHCPOptDNS, s.DNSServers...)
	if s.DomainName != "" {
		reply.AddOption(layers.DHCPOptDomainName, []byte(s.DomainName))
	}
	reply.AddAddrOption(layers.DHCPOptBroadcastAddr, s.Broadcast())
	return reply
}
