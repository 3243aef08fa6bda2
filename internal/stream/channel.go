package stream

import (
	"sync"
	"sync/atomic"
)

// 默认缓冲参数
const (
	DefaultSlots    = 64
	DefaultSlotSize = 1536
)

// ring 单向有界环形缓冲
// 发送端分配槽位并提交，接收端取出后确认，确认后槽位回到空闲表
type ring struct {
	mu       sync.Mutex
	slots    [][]byte
	free     []int
	queue    []Packet
	slotSize int
}

func newRing(slots, slotSize int) *ring {
	r := &ring{
		slots:    make([][]byte, slots),
		free:     make([]int, 0, slots),
		slotSize: slotSize,
	}
	for i := range r.slots {
		r.slots[i] = make([]byte, slotSize)
		r.free = append(r.free, i)
	}
	return r
}

func (r *ring) alloc(size int) (Packet, []byte, error) {
	if size > r.slotSize || size < 0 {
		return Packet{}, nil, ErrTooLarge
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.free) == 0 {
		return Packet{}, nil, ErrNoSpace
	}
	slot := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	return Packet{slot: slot, size: size}, r.slots[slot][:size], nil
}

func (r *ring) release(p Packet) {
	r.mu.Lock()
	r.free = append(r.free, p.slot)
	r.mu.Unlock()
}

func (r *ring) submit(p Packet) {
	r.mu.Lock()
	r.queue = append(r.queue, p)
	r.mu.Unlock()
}

func (r *ring) get() (Packet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return Packet{}, false
	}
	p := r.queue[0]
	r.queue = r.queue[1:]
	return p, true
}

func (r *ring) avail() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue) > 0
}

func (r *ring) hasFree() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.free) > 0
}

// Channel 进程内数据包流端点
// 由 NewPair 成对创建，一端交给路由器接口，另一端模拟网段中的对端
type Channel struct {
	tx     *ring
	rx     *ring
	peer   *Channel
	link   *atomic.Bool
	closed atomic.Bool

	mu      sync.Mutex
	handler func()
}

// PairOptions 进程内数据包流参数
type PairOptions struct {
	Slots    int
	SlotSize int
}

// NewPair 创建一对相连的端点，初始链路状态为 up
func NewPair(opts PairOptions) (*Channel, *Channel) {
	if opts.Slots <= 0 {
		opts.Slots = DefaultSlots
	}
	if opts.SlotSize <= 0 {
		opts.SlotSize = DefaultSlotSize
	}
	ab := newRing(opts.Slots, opts.SlotSize)
	ba := newRing(opts.Slots, opts.SlotSize)
	link := &atomic.Bool{}
	link.Store(true)

	a := &Channel{tx: ab, rx: ba, link: link}
	b := &Channel{tx: ba, rx: ab, link: link}
	a.peer, b.peer = b, a
	return a, b
}

func (c *Channel) PacketAvail() bool { return !c.closed.Load() && c.rx.avail() }
func (c *Channel) ReadyToAck() bool  { return !c.closed.Load() }

func (c *Channel) GetPacket() (Packet, bool) {
	if c.closed.Load() {
		return Packet{}, false
	}
	return c.rx.get()
}

func (c *Channel) PacketContent(p Packet) []byte {
	return c.rx.slots[p.slot][:p.size]
}

// AcknowledgePacket 确认并归还对端的槽位，对端因此可能重新获得发送空间
func (c *Channel) AcknowledgePacket(p Packet) {
	c.rx.release(p)
	c.peer.signal()
}

func (c *Channel) ReadyToSubmit() bool {
	return !c.closed.Load() && c.link.Load() && c.tx.hasFree()
}

func (c *Channel) AllocPacket(size int) (Packet, []byte, error) {
	if c.closed.Load() {
		return Packet{}, nil, ErrClosed
	}
	return c.tx.alloc(size)
}

func (c *Channel) SubmitPacket(p Packet) {
	c.tx.submit(p)
	c.peer.signal()
}

func (c *Channel) ReleasePacket(p Packet) { c.tx.release(p) }

func (c *Channel) LinkState() bool { return c.link.Load() }

// SetLinkState 修改链路状态并通知两端
func (c *Channel) SetLinkState(up bool) {
	c.link.Store(up)
	c.signal()
	c.peer.signal()
}

func (c *Channel) SetSignalHandler(fn func()) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

func (c *Channel) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Channel) signal() {
	c.mu.Lock()
	fn := c.handler
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Send 以对端身份发送一帧（测试与模拟对端使用）
func (c *Channel) Send(frame []byte) error {
	p, buf, err := c.AllocPacket(len(frame))
	if err != nil {
		return err
	}
	copy(buf, frame)
	c.SubmitPacket(p)
	return nil
}

// Receive 以对端身份取出全部待收帧并确认
func (c *Channel) Receive() [][]byte {
	var frames [][]byte
	for c.PacketAvail() {
		p, ok := c.GetPacket()
		if !ok {
			break
		}
		frames = append(frames, append([]byte(nil), c.PacketContent(p)...))
		c.AcknowledgePacket(p)
	}
	return frames
}
