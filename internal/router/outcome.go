package router

import "fmt"

// OutcomeKind 报文处理结果类型
type OutcomeKind int

const (
	// Forwarded 报文经地址转换后从另一个接口发出
	Forwarded OutcomeKind = iota
	// Handled 报文由路由器自身处理（ARP/DHCP/ICMP 应答或广播）
	Handled
	// Dropped 报文被丢弃
	Dropped
	// Postponed 报文等待地址解析，副本已进入 ARP 等待队列
	Postponed
	// Retry 某协议的资源耗尽，释放资源后可重试一次
	Retry
)

func (k OutcomeKind) String() string {
	switch k {
	case Forwarded:
		return "forwarded"
	case Handled:
		return "handled"
	case Dropped:
		return "dropped"
	case Postponed:
		return "postponed"
	case Retry:
		return "retry"
	}
	return "unknown"
}

// Outcome 单个报文的处理结果
type Outcome struct {
	Kind     OutcomeKind
	Reason   string
	Protocol Protocol
}

func (o Outcome) String() string {
	switch o.Kind {
	case Dropped:
		return "dropped: " + o.Reason
	case Retry:
		return "retry " + o.Protocol.String() + ": " + o.Reason
	}
	return o.Kind.String()
}

var (
	forwarded = Outcome{Kind: Forwarded}
	handled   = Outcome{Kind: Handled}
	postponed = Outcome{Kind: Postponed}
)

func drop(format string, args ...any) Outcome {
	return Outcome{Kind: Dropped, Reason: fmt.Sprintf(format, args...)}
}

// badNetworkProtocol 不支持的三层协议
func badNetworkProtocol(etherType uint16) Outcome {
	return drop("bad network protocol 0x%04x", etherType)
}

// badTransportProtocol 不支持的传输层协议
func badTransportProtocol(proto uint8) Outcome {
	return drop("bad transport protocol %d", proto)
}

func retry(p Protocol, reason string) Outcome {
	return Outcome{Kind: Retry, Protocol: p, Reason: reason}
}
