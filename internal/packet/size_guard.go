package packet

import (
	"github.com/pkg/errors"
)

var (
	// ErrTruncated 数据包长度不足以容纳所访问的字段
	ErrTruncated = errors.New("packet truncated")

	// ErrBadProtocol 协议字段取值不受支持
	ErrBadProtocol = errors.New("bad protocol field")
)

// SizeGuard 数据包边界守卫
// 解析或构造一个帧时，所有头部都要先经过守卫登记长度，
// 超出帧声明大小的访问在这里被拦截并转换为 ErrTruncated，
// 调用方据此丢弃当前数据包，而不会越界读写内存。
//
// 头部从帧首向后消耗（head），尾部从帧尾向前预留（tail），
// 二者之和永远不超过 total。
type SizeGuard struct {
	total int
	head  int
	tail  int
}

// NewSizeGuard 创建覆盖 total 字节的守卫
func NewSizeGuard(total int) *SizeGuard {
	if total < 0 {
		total = 0
	}
	return &SizeGuard{total: total}
}

// ConsumeHead 从帧首消耗 n 字节
func (g *SizeGuard) ConsumeHead(n int) error {
	if n < 0 || g.head+n+g.tail > g.total {
		return errors.Wrapf(ErrTruncated, "need %d bytes at offset %d of %d", n, g.head, g.total)
	}
	g.head += n
	return nil
}

// ConsumeTail 从帧尾预留 n 字节
func (g *SizeGuard) ConsumeTail(n int) error {
	if n < 0 || g.head+g.tail+n > g.total {
		return errors.Wrapf(ErrTruncated, "need %d trailing bytes of %d", n, g.total)
	}
	g.tail += n
	return nil
}

// HeadSize 已消耗的头部长度
func (g *SizeGuard) HeadSize() int { return g.head }

// Unconsumed 尚未消耗的字节数
func (g *SizeGuard) Unconsumed() int { return g.total - g.head - g.tail }

// Total 守卫覆盖的总长度
func (g *SizeGuard) Total() int { return g.total }

// check 确认切片 b 至少有 n 字节
// 守卫按帧长计数，而切片可能已被上层头部的长度字段截短，二者都要满足
func check(b []byte, n int) error {
	if len(b) < n {
		return errors.Wrapf(ErrTruncated, "header needs %d bytes, have %d", n, len(b))
	}
	return nil
}
