package config

import (
	"encoding/json"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// 规则优先级
const (
	PrecedenceForwardFirst   = "forward_first"
	PrecedenceTransportFirst = "transport_first"
)

// 分片报文处理方式
const (
	FragmentDrop   = "drop"
	FragmentReject = "reject"
)

// 接口策略类型
const (
	PolicyUplink  = "uplink"
	PolicySession = "session"
)

// PortRange 端口（或 ICMP 标识符）区间，闭区间
type PortRange struct {
	First uint16 `json:"first"`
	Last  uint16 `json:"last"`
}

// Size 区间包含的端口数
func (r PortRange) Size() int {
	if r.First == 0 || r.Last < r.First {
		return 0
	}
	return int(r.Last) - int(r.First) + 1
}

// NATConfig 本域为某个客户域提供地址转换时使用的端口池
// 写在服务端（远端）域中，domain 指客户端所在的域
type NATConfig struct {
	Domain   string    `json:"domain"`
	TCPPorts PortRange `json:"tcp_ports"`
	UDPPorts PortRange `json:"udp_ports"`
	ICMPIDs  PortRange `json:"icmp_ids"`
}

// PermitConfig 允许某个目的端口的流量进入指定域
type PermitConfig struct {
	Port   uint16 `json:"port"`
	Domain string `json:"domain"`
}

// TransportRuleConfig 传输层规则：目的前缀匹配后按端口放行
type TransportRuleConfig struct {
	Dst       string         `json:"dst"`
	PermitAny string         `json:"permit_any,omitempty"`
	Permit    []PermitConfig `json:"permit,omitempty"`
}

// ICMPRuleConfig ICMP 查询报文规则
type ICMPRuleConfig struct {
	Dst    string `json:"dst"`
	Domain string `json:"domain"`
}

// ForwardRuleConfig 端口转发规则（目的地址转换）
type ForwardRuleConfig struct {
	Port   uint16 `json:"port"`
	Domain string `json:"domain"`
	To     string `json:"to"`
	ToPort uint16 `json:"to_port,omitempty"`
}

// IPRuleConfig 三层规则：不做地址转换，直接转发到目标域
type IPRuleConfig struct {
	Dst    string `json:"dst"`
	Domain string `json:"domain"`
}

// DHCPServerConfig 域内 DHCP 服务配置
type DHCPServerConfig struct {
	IPFirst    string   `json:"ip_first"`
	IPLast     string   `json:"ip_last"`
	LeaseTime  int      `json:"lease_time"` // 秒
	DNSServers []string `json:"dns_servers,omitempty"`
	DomainName string   `json:"domain_name,omitempty"`
}

// DomainConfig 域配置
type DomainConfig struct {
	Name string `json:"name"`

	// Interface 路由器在本域的地址，CIDR 格式；留空表示通过 DHCP 客户端获取
	Interface string `json:"interface,omitempty"`
	Gateway   string `json:"gateway,omitempty"`

	ICMPEchoServer   bool   `json:"icmp_echo_server"`
	DroppedFragments string `json:"dropped_fragm_ipv4,omitempty"`

	DHCPServer *DHCPServerConfig `json:"dhcp_server,omitempty"`
	NAT        []NATConfig       `json:"nat,omitempty"`

	TCP        []TransportRuleConfig `json:"tcp,omitempty"`
	UDP        []TransportRuleConfig `json:"udp,omitempty"`
	ICMP       []ICMPRuleConfig      `json:"icmp,omitempty"`
	TCPForward []ForwardRuleConfig   `json:"tcp_forward,omitempty"`
	UDPForward []ForwardRuleConfig   `json:"udp_forward,omitempty"`
	IP         []IPRuleConfig        `json:"ip,omitempty"`
}

// InterfaceConfig 接口配置
type InterfaceConfig struct {
	Name   string `json:"name"`
	Label  string `json:"label,omitempty"`
	Policy string `json:"policy"`
	Domain string `json:"domain,omitempty"`
	MAC    string `json:"mac,omitempty"`
	Listen string `json:"listen"`
	Peer   string `json:"peer,omitempty"`
}

// SessionPolicyConfig 按标签前缀为会话接口选择域
type SessionPolicyConfig struct {
	LabelPrefix string `json:"label_prefix"`
	Domain      string `json:"domain"`
}

// TimeoutConfig 各类超时，单位秒（arp_request_ms 除外）
type TimeoutConfig struct {
	TCPOpening   int `json:"tcp_opening_sec"`
	TCPIdle      int `json:"tcp_idle_sec"`
	TCPClosing   int `json:"tcp_closing_sec"`
	UDPIdle      int `json:"udp_idle_sec"`
	ICMPIdle     int `json:"icmp_idle_sec"`
	Dissolve     int `json:"dissolve_sec"`
	ARPRequest   int `json:"arp_request_ms"`
	DHCPOffer    int `json:"dhcp_offer_sec"`
	DHCPDiscover int `json:"dhcp_discover_sec"`
	DHCPRequest  int `json:"dhcp_request_sec"`
}

// DatabaseConfig 统计快照与租约历史的持久化
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	Debug   bool   `json:"debug"`
}

// WebConfig 只读状态 API
type WebConfig struct {
	Enabled  bool   `json:"enabled"`
	Listen   string `json:"listen"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ReportConfig 周期报告
type ReportConfig struct {
	IntervalSec int  `json:"interval_sec"`
	Log         bool `json:"log"`
}

// RouterConfig 路由器配置
type RouterConfig struct {
	Hostname       string `json:"hostname"`
	LogLevel       string `json:"log_level"`
	LogFile        string `json:"log_file,omitempty"`
	VerbosePackets bool   `json:"verbose_packets"`

	MaxPacketsPerSignal int    `json:"max_packets_per_signal"`
	MaxARPWaiters       int    `json:"max_arp_waiters"`
	ARPCacheSize        int    `json:"arp_cache_size"`
	MaxLinksPerProtocol int    `json:"max_links_per_protocol"`
	RulePrecedence      string `json:"rule_precedence"`

	Timeouts TimeoutConfig  `json:"timeouts"`
	Database DatabaseConfig `json:"database"`
	Report   ReportConfig   `json:"report"`
	Web      WebConfig      `json:"web"`

	Domains         []DomainConfig        `json:"domains"`
	Interfaces      []InterfaceConfig     `json:"interfaces"`
	SessionPolicies []SessionPolicyConfig `json:"session_policies,omitempty"`
}

// Seconds 把配置中的秒数转换为时长
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Clone 深拷贝配置
func (c *RouterConfig) Clone() *RouterConfig {
	out := *c
	if c.Domains != nil {
		out.Domains = make([]DomainConfig, len(c.Domains))
		for i := range c.Domains {
			out.Domains[i] = c.Domains[i].clone()
		}
	}
	out.Interfaces = slices.Clone(c.Interfaces)
	out.SessionPolicies = slices.Clone(c.SessionPolicies)
	return &out
}

func (d DomainConfig) clone() DomainConfig {
	out := d
	if d.DHCPServer != nil {
		srv := *d.DHCPServer
		srv.DNSServers = slices.Clone(d.DHCPServer.DNSServers)
		out.DHCPServer = &srv
	}
	out.NAT = slices.Clone(d.NAT)
	out.TCP = cloneTransportRules(d.TCP)
	out.UDP = cloneTransportRules(d.UDP)
	out.ICMP = slices.Clone(d.ICMP)
	out.TCPForward = slices.Clone(d.TCPForward)
	out.UDPForward = slices.Clone(d.UDPForward)
	out.IP = slices.Clone(d.IP)
	return out
}

func cloneTransportRules(rules []TransportRuleConfig) []TransportRuleConfig {
	out := slices.Clone(rules)
	for i := range out {
		out[i].Permit = slices.Clone(out[i].Permit)
	}
	return out
}

// Domain 按名称查找域配置
func (c *RouterConfig) Domain(name string) (*DomainConfig, bool) {
	for i := range c.Domains {
		if c.Domains[i].Name == name {
			return &c.Domains[i], true
		}
	}
	return nil, false
}

// ApplyDefaults 为未设置的数值项填充默认值
func (c *RouterConfig) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxPacketsPerSignal <= 0 {
		c.MaxPacketsPerSignal = 32
	}
	if c.MaxARPWaiters <= 0 {
		c.MaxARPWaiters = 64
	}
	if c.ARPCacheSize <= 0 {
		c.ARPCacheSize = 256
	}
	if c.MaxLinksPerProtocol <= 0 {
		c.MaxLinksPerProtocol = 4096
	}
	if c.RulePrecedence == "" {
		c.RulePrecedence = PrecedenceForwardFirst
	}
	t := &c.Timeouts
	setDefault(&t.TCPOpening, 10)
	setDefault(&t.TCPIdle, 600)
	setDefault(&t.TCPClosing, 60)
	setDefault(&t.UDPIdle, 30)
	setDefault(&t.ICMPIdle, 10)
	setDefault(&t.Dissolve, 10)
	setDefault(&t.ARPRequest, 1000)
	setDefault(&t.DHCPOffer, 10)
	setDefault(&t.DHCPDiscover, 10)
	setDefault(&t.DHCPRequest, 10)
	for i := range c.Domains {
		d := &c.Domains[i]
		if d.DroppedFragments == "" {
			d.DroppedFragments = FragmentDrop
		}
		if d.DHCPServer != nil && d.DHCPServer.LeaseTime <= 0 {
			d.DHCPServer.LeaseTime = 3600
		}
	}
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// ConfigManager 配置管理器
type ConfigManager struct {
	config     *RouterConfig
	configFile string
	mu         sync.RWMutex
}

// NewConfigManager 创建配置管理器
func NewConfigManager(configFile string) *ConfigManager {
	return &ConfigManager{
		configFile: configFile,
		config:     DefaultConfig(),
	}
}

// DefaultConfig 获取默认配置
//
// 两个域：uplink 连接外部网络，default 为内部网段并提供 DHCP，
// 内部发往任意地址的 TCP/UDP/ICMP 流量经 uplink 做地址转换后转发。
func DefaultConfig() *RouterConfig {
	cfg := &RouterConfig{
		Hostname: "nic-router",
		LogLevel: "info",
		Database: DatabaseConfig{
			Enabled: false,
			Path:    "nic-router.db",
		},
		Report: ReportConfig{IntervalSec: 60, Log: false},
		Web:    WebConfig{Enabled: false, Listen: "127.0.0.1:8080"},
		Domains: []DomainConfig{
			{
				Name:      "uplink",
				Interface: "10.0.0.1/24",
				Gateway:   "10.0.0.254",
				NAT: []NATConfig{{
					Domain:   "default",
					TCPPorts: PortRange{First: 49152, Last: 65535},
					UDPPorts: PortRange{First: 49152, Last: 65535},
					ICMPIDs:  PortRange{First: 1, Last: 65535},
				}},
			},
			{
				Name:           "default",
				Interface:      "10.0.1.1/24",
				ICMPEchoServer: true,
				DHCPServer: &DHCPServerConfig{
					IPFirst:    "10.0.1.100",
					IPLast:     "10.0.1.200",
					LeaseTime:  3600,
					DNSServers: []string{"10.0.0.254"},
				},
				TCP:  []TransportRuleConfig{{Dst: "0.0.0.0/0", PermitAny: "uplink"}},
				UDP:  []TransportRuleConfig{{Dst: "0.0.0.0/0", PermitAny: "uplink"}},
				ICMP: []ICMPRuleConfig{{Dst: "0.0.0.0/0", Domain: "uplink"}},
			},
		},
		Interfaces: []InterfaceConfig{
			{Name: "uplink", Policy: PolicyUplink, Domain: "uplink", Listen: "127.0.0.1:7000", Peer: "127.0.0.1:7001"},
			{Name: "lan0", Label: "lan0", Policy: PolicySession, Listen: "127.0.0.1:7100"},
		},
		SessionPolicies: []SessionPolicyConfig{{LabelPrefix: "lan", Domain: "default"}},
	}
	cfg.ApplyDefaults()
	return cfg
}

// LoadConfig 加载配置文件，文件不存在时写入默认配置
func (cm *ConfigManager) LoadConfig() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, err := os.Stat(cm.configFile); os.IsNotExist(err) {
		return cm.saveConfigUnsafe()
	}

	config, err := readConfig(cm.configFile)
	if err != nil {
		return err
	}
	cm.config = config
	return nil
}

// Reload 重新读取配置文件
// 新配置校验失败时保留当前配置并返回错误
func (cm *ConfigManager) Reload() (*RouterConfig, error) {
	config, err := readConfig(cm.configFile)
	if err != nil {
		return nil, err
	}

	cm.mu.Lock()
	cm.config = config
	cm.mu.Unlock()
	return config.Clone(), nil
}

func readConfig(path string) (*RouterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "读取配置文件失败")
	}

	var config RouterConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "解析配置文件失败")
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "配置校验失败")
	}
	return &config, nil
}

// SaveConfig 保存配置文件
func (cm *ConfigManager) SaveConfig() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.saveConfigUnsafe()
}

// saveConfigUnsafe 保存配置（不加锁）
func (cm *ConfigManager) saveConfigUnsafe() error {
	data, err := json.MarshalIndent(cm.config, "", "  ")
	if err != nil {
		return errors.Wrap(err, "序列化配置失败")
	}

	if err := os.WriteFile(cm.configFile, data, 0644); err != nil {
		return errors.Wrap(err, "写入配置文件失败")
	}

	return nil
}

// GetConfig 获取配置的副本
func (cm *ConfigManager) GetConfig() *RouterConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config.Clone()
}

// SetConfig 校验并替换当前配置（不写文件）
func (cm *ConfigManager) SetConfig(config *RouterConfig) error {
	c := config.Clone()
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return err
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.config = c
	return nil
}

// SetLogConfig 设置日志配置
func (cm *ConfigManager) SetLogConfig(level, file string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.config.LogLevel = level
	cm.config.LogFile = file
}
