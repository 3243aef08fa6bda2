package dhcp

import (
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"

	"nic-router/internal/packet"
	"nic-router/internal/timer"
)

// ClientState DHCP 客户端状态
type ClientState int

const (
	ClientInit ClientState = iota
	ClientSelecting
	ClientRequesting
	ClientBound
	ClientRenewing
	ClientRebinding
)

func (s ClientState) String() string {
	switch s {
	case ClientInit:
		return "init"
	case ClientSelecting:
		return "selecting"
	case ClientRequesting:
		return "requesting"
	case ClientBound:
		return "bound"
	case ClientRenewing:
		return "renewing"
	case ClientRebinding:
		return "rebinding"
	}
	return "unknown"
}

// IPConfig 通过 DHCP 获得的域地址配置
type IPConfig struct {
	Interface  netip.Prefix
	Gateway    netip.Addr
	DNSServers []netip.Addr
}

// ClientHooks 客户端与所在接口之间的回调
type ClientHooks interface {
	// SendDHCPRequest 封装并以广播帧发送客户端报文
	SendDHCPRequest(msg *packet.DHCPMessage, src, dst netip.Addr)

	// SetIPConfig 租约确认后设置域地址配置
	SetIPConfig(cfg IPConfig)

	// DiscardIPConfig 租约失效（NAK 或到期）后撤销域地址配置
	DiscardIPConfig()
}

// ClientTimeouts 客户端重传间隔
type ClientTimeouts struct {
	Discover time.Duration
	Request  time.Duration
}

// Client DHCP 客户端状态机
//
// INIT → SELECTING（发送 DISCOVER）→ REQUESTING（收到 OFFER 后发送 REQUEST）
// → BOUND（收到 ACK）→ RENEWING（T1）→ REBINDING（T2）→ 租约到期回到 SELECTING。
// 任何状态下收到 NAK 都撤销地址配置并重新发现。
type Client struct {
	mac      packet.MAC
	hooks    ClientHooks
	timers   *timer.Queue
	timeouts ClientTimeouts

	state   ClientState
	xid     uint32
	timer   *timer.Timer
	offered netip.Addr
	server  netip.Addr
	config  IPConfig
	lease   time.Duration
}

// NewClient 创建处于 INIT 状态的客户端
func NewClient(mac packet.MAC, hooks ClientHooks, timers *timer.Queue, timeouts ClientTimeouts) *Client {
	return &Client{
		mac:      mac,
		hooks:    hooks,
		timers:   timers,
		timeouts: timeouts,
	}
}

// State 当前状态
func (c *Client) State() ClientState { return c.state }

// Xid 当前事务号
func (c *Client) Xid() uint32 { return c.xid }

// Lease 当前租约
func (c *Client) Lease() (IPConfig, time.Duration, bool) {
	switch c.state {
	case ClientBound, ClientRenewing, ClientRebinding:
		return c.config, c.lease, true
	}
	return IPConfig{}, 0, false
}

// SetTimeouts 更新重传间隔，从下一次重传开始生效
func (c *Client) SetTimeouts(t ClientTimeouts) { c.timeouts = t }

// Timeouts 当前重传间隔
func (c *Client) Timeouts() ClientTimeouts { return c.timeouts }

// Discover 开始（或重新开始）地址发现
func (c *Client) Discover() {
	c.state = ClientSelecting
	c.xid = rand.Uint32()
	c.offered = netip.Addr{}
	c.server = netip.Addr{}

	msg := packet.NewDHCPRequest(layers.DHCPMsgTypeDiscover, c.xid, c.mac)
	msg.Flags = 0x8000
	c.hooks.SendDHCPRequest(msg, netip.IPv4Unspecified(), broadcastAddr)
	c.timer = c.timers.Reset(c.timer, c.timeouts.Discover, c.Discover)
}

// Stop 停止客户端，已获得的配置不在这里撤销
func (c *Client) Stop() {
	c.timer.Stop()
	c.timer = nil
	c.state = ClientInit
}

// HandleReply 处理服务端应答，返回报文是否被客户端接受
func (c *Client) HandleReply(msg *packet.DHCPMessage) bool {
	if msg.Operation != layers.DHCPOpReply || msg.Xid != c.xid || msg.ClientMAC() != c.mac {
		return false
	}
	switch msg.MessageType() {
	case layers.DHCPMsgTypeOffer:
		if c.state != ClientSelecting {
			return false
		}
		server, ok := msg.AddrOption(layers.DHCPOptServerID)
		if !ok || !msg.YourAddr().IsValid() || msg.YourAddr().IsUnspecified() {
			return false
		}
		c.offered = msg.YourAddr()
		c.server = server
		c.state = ClientRequesting
		c.sendRequest(netip.IPv4Unspecified(), broadcastAddr)
		c.timer = c.timers.Reset(c.timer, c.timeouts.Request, c.Discover)
		return true

	case layers.DHCPMsgTypeAck:
		switch c.state {
		case ClientRequesting, ClientRenewing, ClientRebinding:
		default:
			return false
		}
		return c.bind(msg)

	case layers.DHCPMsgTypeNak:
		switch c.state {
		case ClientRequesting, ClientRenewing, ClientRebinding:
		default:
			return false
		}
		if c.state != ClientRequesting {
			c.hooks.DiscardIPConfig()
			c.config = IPConfig{}
		}
		c.Discover()
		return true
	}
	return false
}

func (c *Client) sendRequest(src, dst netip.Addr) {
	msg := packet.NewDHCPRequest(layers.DHCPMsgTypeRequest, c.xid, c.mac)
	if c.state == ClientRequesting {
		msg.Flags = 0x8000
		msg.AddAddrOption(layers.DHCPOptRequestIP, c.offered)
		msg.AddAddrOption(layers.DHCPOptServerID, c.server)
	} else {
		msg.SetClientAddr(c.config.Interface.Addr())
	}
	c.hooks.SendDHCPRequest(msg, src, dst)
}

func (c *Client) bind(msg *packet.DHCPMessage) bool {
	lease, ok := msg.DurationOption(layers.DHCPOptLeaseTime)
	if !ok || lease <= 0 {
		return false
	}
	t1, ok := msg.DurationOption(layers.DHCPOptT1)
	if !ok || t1 <= 0 || t1 >= lease {
		t1 = lease / 2
	}
	t2, ok := msg.DurationOption(layers.DHCPOptT2)
	if !ok || t2 <= t1 || t2 >= lease {
		t2 = lease * 7 / 8
	}

	// 未携带子网掩码时按 /24 处理
	bits := 24
	if m, ok := msg.Option(layers.DHCPOptSubnetMask); ok && len(m) == 4 {
		if ones, size := net.IPMask(m).Size(); size == 32 {
			bits = ones
		}
	}
	cfg := IPConfig{Interface: netip.PrefixFrom(msg.YourAddr(), bits)}
	if gw, ok := msg.AddrOption(layers.DHCPOptRouter); ok {
		cfg.Gateway = gw
	}
	if v, ok := msg.Option(layers.DHCPOptDNS); ok {
		for i := 0; i+4 <= len(v); i += 4 {
			cfg.DNSServers = append(cfg.DNSServers, netip.AddrFrom4([4]byte(v[i:i+4])))
		}
	}
	if server, ok := msg.AddrOption(layers.DHCPOptServerID); ok {
		c.server = server
	}

	changed := c.config.Interface != cfg.Interface || c.config.Gateway != cfg.Gateway
	c.config = cfg
	c.lease = lease
	wasBound := c.state != ClientRequesting
	c.state = ClientBound
	if changed || !wasBound {
		c.hooks.SetIPConfig(cfg)
	}

	c.timer = c.timers.Reset(c.timer, t1, func() {
		c.state = ClientRenewing
		c.sendRequest(c.config.Interface.Addr(), c.server)
		c.timer = c.timers.Schedule(t2-t1, func() {
			c.state = ClientRebinding
			c.sendRequest(c.config.Interface.Addr(), broadcastAddr)
			c.timer = c.timers.Schedule(lease-t2, func() {
				c.hooks.DiscardIPConfig()
				c.config = IPConfig{}
				c.Discover()
			})
		})
	})
	return true
}

var broadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})
