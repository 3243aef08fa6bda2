// Package stream 定义路由器与各网段对端之间交换原始以太网帧的数据包流接口。
//
// 每个端点同时包含接收方向（对端提交、本端取出并确认）与发送方向
// （本端分配、填充并提交，对端确认后回收）。缓冲区是有界的：
// 没有空间时分配失败，由调用方计数并丢弃，不做同步重试。
package stream

import (
	"github.com/pkg/errors"
)

var (
	// ErrNoSpace 发送缓冲区已满
	ErrNoSpace = errors.New("packet stream: no space")

	// ErrTooLarge 请求的数据包超过单个槽位
	ErrTooLarge = errors.New("packet stream: packet too large")

	// ErrClosed 端点已关闭
	ErrClosed = errors.New("packet stream: closed")
)

// Packet 数据包描述符
type Packet struct {
	slot int
	size int
}

// Size 数据包长度
func (p Packet) Size() int { return p.size }

// Endpoint 数据包流端点
//
// 使用约定：
//   - 取包前检查 PacketAvail 与 ReadyToAck，每个取出的包恰好确认一次
//   - 发包前检查 ReadyToSubmit，AllocPacket 得到的缓冲区在 SubmitPacket
//     或 ReleasePacket 之前归调用方所有
//   - 信号处理函数在有新数据、确认或链路状态变化时被调用，
//     可能来自任意 goroutine，处理函数内不得阻塞
type Endpoint interface {
	PacketAvail() bool
	ReadyToAck() bool
	GetPacket() (Packet, bool)
	PacketContent(p Packet) []byte
	AcknowledgePacket(p Packet)

	ReadyToSubmit() bool
	AllocPacket(size int) (Packet, []byte, error)
	SubmitPacket(p Packet)
	ReleasePacket(p Packet)

	LinkState() bool
	SetSignalHandler(fn func())
	Close() error
}
