package config

import (
	"net/netip"

	"github.com/pkg/errors"
)

// Validate 校验配置的一致性
//
// 检查内容包括：
//   - 域名、接口名唯一，所有规则引用的域必须存在
//   - 地址、前缀可解析，DHCP 地址池位于本域子网内
//   - 端口区间有效，规则优先级取值合法
func (c *RouterConfig) Validate() error {
	switch c.RulePrecedence {
	case PrecedenceForwardFirst, PrecedenceTransportFirst:
	default:
		return errors.Errorf("未知的规则优先级 %q", c.RulePrecedence)
	}

	if c.Web.Enabled && c.Web.Listen == "" {
		return errors.New("启用状态 API 时必须指定监听地址")
	}

	names := make(map[string]bool, len(c.Domains))
	for _, d := range c.Domains {
		if d.Name == "" {
			return errors.New("域名不能为空")
		}
		if names[d.Name] {
			return errors.Errorf("域 %s 重复定义", d.Name)
		}
		names[d.Name] = true
	}

	for i := range c.Domains {
		if err := c.Domains[i].validate(names); err != nil {
			return errors.Wrapf(err, "域 %s", c.Domains[i].Name)
		}
	}

	ifNames := make(map[string]bool, len(c.Interfaces))
	for _, iface := range c.Interfaces {
		if iface.Name == "" {
			return errors.New("接口名不能为空")
		}
		if ifNames[iface.Name] {
			return errors.Errorf("接口 %s 重复定义", iface.Name)
		}
		ifNames[iface.Name] = true
		switch iface.Policy {
		case PolicyUplink:
			if !names[iface.Domain] {
				return errors.Errorf("上行接口 %s 引用了不存在的域 %q", iface.Name, iface.Domain)
			}
		case PolicySession:
			if iface.Domain != "" && !names[iface.Domain] {
				return errors.Errorf("接口 %s 引用了不存在的域 %q", iface.Name, iface.Domain)
			}
		default:
			return errors.Errorf("接口 %s 的策略 %q 无效", iface.Name, iface.Policy)
		}
	}

	for _, p := range c.SessionPolicies {
		if !names[p.Domain] {
			return errors.Errorf("会话策略 %q 引用了不存在的域 %q", p.LabelPrefix, p.Domain)
		}
	}
	return nil
}

func (d *DomainConfig) validate(domains map[string]bool) error {
	var subnet netip.Prefix
	if d.Interface != "" {
		p, err := netip.ParsePrefix(d.Interface)
		if err != nil {
			return errors.Wrap(err, "接口地址")
		}
		if !p.Addr().Is4() {
			return errors.Errorf("接口地址 %s 不是 IPv4", d.Interface)
		}
		subnet = p.Masked()
	}
	if d.Gateway != "" {
		if _, err := parseAddr4(d.Gateway); err != nil {
			return errors.Wrap(err, "网关")
		}
	}

	switch d.DroppedFragments {
	case FragmentDrop, FragmentReject:
	default:
		return errors.Errorf("dropped_fragm_ipv4 取值 %q 无效", d.DroppedFragments)
	}

	if s := d.DHCPServer; s != nil {
		if !subnet.IsValid() {
			return errors.New("DHCP 服务需要静态接口地址")
		}
		first, err := parseAddr4(s.IPFirst)
		if err != nil {
			return errors.Wrap(err, "ip_first")
		}
		last, err := parseAddr4(s.IPLast)
		if err != nil {
			return errors.Wrap(err, "ip_last")
		}
		if last.Less(first) {
			return errors.Errorf("DHCP 地址池 %s-%s 无效", first, last)
		}
		if !subnet.Contains(first) || !subnet.Contains(last) {
			return errors.Errorf("DHCP 地址池 %s-%s 不在子网 %s 内", first, last, subnet)
		}
		for _, dns := range s.DNSServers {
			if _, err := parseAddr4(dns); err != nil {
				return errors.Wrap(err, "dns_servers")
			}
		}
	}

	for _, n := range d.NAT {
		if !domains[n.Domain] {
			return errors.Errorf("NAT 引用了不存在的域 %q", n.Domain)
		}
		for _, r := range []PortRange{n.TCPPorts, n.UDPPorts, n.ICMPIDs} {
			if r != (PortRange{}) && r.Size() == 0 {
				return errors.Errorf("NAT 端口区间 %d-%d 无效", r.First, r.Last)
			}
		}
	}

	for _, rules := range [][]TransportRuleConfig{d.TCP, d.UDP} {
		for _, r := range rules {
			if _, err := netip.ParsePrefix(r.Dst); err != nil {
				return errors.Wrap(err, "传输规则目的前缀")
			}
			if r.PermitAny != "" && !domains[r.PermitAny] {
				return errors.Errorf("传输规则引用了不存在的域 %q", r.PermitAny)
			}
			for _, p := range r.Permit {
				if p.Port == 0 || !domains[p.Domain] {
					return errors.Errorf("传输规则 permit %d -> %q 无效", p.Port, p.Domain)
				}
			}
		}
	}
	for _, r := range d.ICMP {
		if _, err := netip.ParsePrefix(r.Dst); err != nil {
			return errors.Wrap(err, "ICMP 规则目的前缀")
		}
		if !domains[r.Domain] {
			return errors.Errorf("ICMP 规则引用了不存在的域 %q", r.Domain)
		}
	}
	for _, rules := range [][]ForwardRuleConfig{d.TCPForward, d.UDPForward} {
		for _, r := range rules {
			if r.Port == 0 || !domains[r.Domain] {
				return errors.Errorf("转发规则 %d -> %q 无效", r.Port, r.Domain)
			}
			if _, err := parseAddr4(r.To); err != nil {
				return errors.Wrap(err, "转发规则目标地址")
			}
		}
	}
	for _, r := range d.IP {
		if _, err := netip.ParsePrefix(r.Dst); err != nil {
			return errors.Wrap(err, "IP 规则目的前缀")
		}
		if !domains[r.Domain] {
			return errors.Errorf("IP 规则引用了不存在的域 %q", r.Domain)
		}
	}
	return nil
}

func parseAddr4(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !a.Is4() {
		return netip.Addr{}, errors.Errorf("%s 不是 IPv4 地址", s)
	}
	return a, nil
}
