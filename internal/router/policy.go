package router

import (
	"strings"

	"nic-router/internal/config"
	"nic-router/internal/report"
	"nic-router/internal/stream"
)

// Policy 接口的域选择与链路状态策略
type Policy interface {
	// DetermineDomainName 根据配置确定接口所属的域，空串表示不接入任何域
	DetermineDomainName(cfg *config.RouterConfig) string

	// HandleConfig 配置变化通知，先于 DetermineDomainName 调用
	HandleConfig(cfg *config.RouterConfig)

	// HandleDomainReadyState 所在域就绪状态变化
	HandleDomainReadyState(ready bool)

	// InterfaceLinkState 对端看到的链路状态
	InterfaceLinkState() bool

	// Report 写入策略相关的报告属性
	Report(g *report.Generator)
}

// UplinkPolicy 上行接口：域固定由接口配置指定，链路状态跟随端点
type UplinkPolicy struct {
	name   string
	ep     stream.Endpoint
	domain string
	ready  bool
}

// NewUplinkPolicy 创建上行策略
func NewUplinkPolicy(name string, ep stream.Endpoint) *UplinkPolicy {
	return &UplinkPolicy{name: name, ep: ep}
}

func (p *UplinkPolicy) HandleConfig(cfg *config.RouterConfig) {
	p.domain = ""
	for _, ic := range cfg.Interfaces {
		if ic.Name == p.name {
			p.domain = ic.Domain
			return
		}
	}
}

func (p *UplinkPolicy) DetermineDomainName(*config.RouterConfig) string { return p.domain }

func (p *UplinkPolicy) HandleDomainReadyState(ready bool) { p.ready = ready }

func (p *UplinkPolicy) InterfaceLinkState() bool { return p.ep.LinkState() }

func (p *UplinkPolicy) Report(g *report.Generator) {
	g.Attr("policy", config.PolicyUplink)
	g.Attr("domain_ready", p.ready)
}

// SessionPolicy 会话接口：显式指定的域优先，否则按标签的最长前缀匹配会话策略
// 对端只有在所在域就绪后才看到链路连通
type SessionPolicy struct {
	name   string
	label  string
	domain string
	ready  bool
}

// NewSessionPolicy 创建会话策略
func NewSessionPolicy(name, label string) *SessionPolicy {
	return &SessionPolicy{name: name, label: label}
}

func (p *SessionPolicy) HandleConfig(cfg *config.RouterConfig) {
	p.domain = ""
	for _, ic := range cfg.Interfaces {
		if ic.Name == p.name && ic.Domain != "" {
			p.domain = ic.Domain
			return
		}
	}
	best := -1
	for _, sp := range cfg.SessionPolicies {
		if strings.HasPrefix(p.label, sp.LabelPrefix) && len(sp.LabelPrefix) > best {
			best = len(sp.LabelPrefix)
			p.domain = sp.Domain
		}
	}
}

func (p *SessionPolicy) DetermineDomainName(*config.RouterConfig) string { return p.domain }

func (p *SessionPolicy) HandleDomainReadyState(ready bool) { p.ready = ready }

func (p *SessionPolicy) InterfaceLinkState() bool { return p.ready }

func (p *SessionPolicy) Report(g *report.Generator) {
	g.Attr("policy", config.PolicySession)
	g.Attr("label", p.label)
	g.Attr("domain_ready", p.ready)
}

// NewPolicy 按接口配置创建策略
func NewPolicy(ic config.InterfaceConfig, ep stream.Endpoint) Policy {
	if ic.Policy == config.PolicySession {
		return NewSessionPolicy(ic.Name, ic.Label)
	}
	return NewUplinkPolicy(ic.Name, ep)
}
