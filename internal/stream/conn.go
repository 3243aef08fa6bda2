package stream

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Conn 基于数据报套接字的端点，每个数据报承载一个以太网帧
//
// 接收由后台 goroutine 完成，收到的帧放入有界队列；队列满时丢弃并计数。
// 对端地址可以预先配置，未配置时使用最近一次收到数据报的来源地址。
type Conn struct {
	pc       net.PacketConn
	slots    int
	slotSize int

	mu       sync.Mutex
	peer     net.Addr
	queue    [][]byte
	inFlight map[int][]byte
	pending  map[int][]byte
	nextID   int
	handler  func()

	dropped atomic.Uint64
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// ConnOptions 套接字端点参数
type ConnOptions struct {
	Peer     net.Addr
	Slots    int
	SlotSize int
}

// NewConn 包装一个已绑定的数据报套接字并启动接收 goroutine
func NewConn(pc net.PacketConn, opts ConnOptions) *Conn {
	if opts.Slots <= 0 {
		opts.Slots = DefaultSlots
	}
	if opts.SlotSize <= 0 {
		opts.SlotSize = DefaultSlotSize
	}
	c := &Conn{
		pc:       pc,
		slots:    opts.Slots,
		slotSize: opts.SlotSize,
		peer:     opts.Peer,
		inFlight: make(map[int][]byte),
		pending:  make(map[int][]byte),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

// Dial 在 local 上监听 UDP，并把帧发往 peer（peer 可为空）
func Dial(local, peer string, opts ConnOptions) (*Conn, error) {
	pc, err := net.ListenPacket("udp", local)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", local)
	}
	if peer != "" {
		addr, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			pc.Close()
			return nil, errors.Wrapf(err, "resolve peer %s", peer)
		}
		opts.Peer = addr
	}
	return NewConn(pc, opts), nil
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, c.slotSize)
	for {
		n, from, err := c.pc.ReadFrom(buf)
		if err != nil {
			if c.closed.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		c.mu.Lock()
		if c.peer == nil {
			c.peer = from
		}
		if len(c.queue)+len(c.inFlight) >= c.slots {
			c.mu.Unlock()
			c.dropped.Add(1)
			continue
		}
		c.queue = append(c.queue, append([]byte(nil), buf[:n]...))
		c.mu.Unlock()
		c.signal()
	}
}

// Dropped 因接收队列满而丢弃的帧数
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// LocalAddr 本地监听地址
func (c *Conn) LocalAddr() net.Addr { return c.pc.LocalAddr() }

// PacketAvail 关闭后队列中剩余的帧不再交付
func (c *Conn) PacketAvail() bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) > 0
}

func (c *Conn) ReadyToAck() bool { return !c.closed.Load() }

func (c *Conn) GetPacket() (Packet, bool) {
	if c.closed.Load() {
		return Packet{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return Packet{}, false
	}
	frame := c.queue[0]
	c.queue = c.queue[1:]
	c.nextID++
	c.inFlight[c.nextID] = frame
	return Packet{slot: c.nextID, size: len(frame)}, true
}

func (c *Conn) PacketContent(p Packet) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[p.slot]
}

func (c *Conn) AcknowledgePacket(p Packet) {
	c.mu.Lock()
	delete(c.inFlight, p.slot)
	c.mu.Unlock()
}

// ReadyToSubmit 套接字发送不排队，只要未关闭且知道对端即可发送
func (c *Conn) ReadyToSubmit() bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer != nil && len(c.pending) < c.slots
}

func (c *Conn) AllocPacket(size int) (Packet, []byte, error) {
	if c.closed.Load() {
		return Packet{}, nil, ErrClosed
	}
	if size > c.slotSize || size < 0 {
		return Packet{}, nil, ErrTooLarge
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= c.slots {
		return Packet{}, nil, ErrNoSpace
	}
	c.nextID++
	buf := make([]byte, size)
	c.pending[c.nextID] = buf
	return Packet{slot: c.nextID, size: size}, buf, nil
}

// SubmitPacket 立即写出数据报，写失败只计数，不回传给调用方
func (c *Conn) SubmitPacket(p Packet) {
	c.mu.Lock()
	buf := c.pending[p.slot]
	delete(c.pending, p.slot)
	peer := c.peer
	c.mu.Unlock()
	if buf == nil || peer == nil {
		return
	}
	if _, err := c.pc.WriteTo(buf, peer); err != nil {
		c.dropped.Add(1)
	}
}

func (c *Conn) ReleasePacket(p Packet) {
	c.mu.Lock()
	delete(c.pending, p.slot)
	c.mu.Unlock()
}

func (c *Conn) LinkState() bool { return !c.closed.Load() }

func (c *Conn) SetSignalHandler(fn func()) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Close 关闭套接字并等待接收 goroutine 退出
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.pc.Close()
	c.wg.Wait()
	c.signal()
	return err
}

func (c *Conn) signal() {
	c.mu.Lock()
	fn := c.handler
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
