// Package router 实现多域 NAT 路由器的核心。
//
// 路由器由若干域组成，每个域是一个 IPv4 子网及其规则集。接口通过数据包流
// 端点收发以太网帧，并按策略接入某个域。报文处理、定时器与重新配置全部在
// 同一个事件循环中串行执行，因此内部状态无需加锁；其他 goroutine 通过 Do
// 把操作投递到事件循环中执行。
package router

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"nic-router/internal/config"
	"nic-router/internal/dhcp"
	"nic-router/internal/logging"
	"nic-router/internal/packet"
	"nic-router/internal/report"
	"nic-router/internal/timer"
)

var (
	// ErrRunning 事件循环已在运行
	ErrRunning = errors.New("router already running")

	// ErrInterfaceExists 接口名重复
	ErrInterfaceExists = errors.New("interface already exists")

	// ErrInterfaceNotFound 接口不存在
	ErrInterfaceNotFound = errors.New("interface not found")
)

// Option 路由器选项
type Option func(*Router)

// WithClock 使用指定时钟，测试中传入 clock.Mock
func WithClock(c clock.Clock) Option {
	return func(r *Router) {
		r.clock = c
	}
}

// WithLogger 使用指定日志记录器
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) {
		r.log = l
	}
}

// WithRecorder 设置统计快照与租约事件的持久化目标
func WithRecorder(rec report.Recorder) Option {
	return func(r *Router) {
		r.recorder = rec
	}
}

// Router 路由器
type Router struct {
	cfg      *config.RouterConfig
	clock    clock.Clock
	timers   *timer.Queue
	timeouts Timeouts
	log      *logging.Logger
	recorder report.Recorder

	domains    map[string]*Domain
	interfaces []*Interface
	gen        uint64

	notify  chan struct{}
	cmds    chan func()
	running atomic.Bool

	reportTimer *timer.Timer
}

// New 创建路由器
//
// 参数：
//   - cfg: 路由器配置，内部保存其副本
//   - opts: 可选项
//
// 返回值：
//   - 路由器实例，配置校验或编译失败时返回错误
func New(cfg *config.RouterConfig, opts ...Option) (*Router, error) {
	r := &Router{
		clock:    clock.New(),
		log:      logging.GetLogger(),
		recorder: report.NopRecorder{},
		domains:  make(map[string]*Domain),
		notify:   make(chan struct{}, 1),
		cmds:     make(chan func()),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.timers = timer.NewQueue(r.clock)

	cfg, settings, err := prepareConfig(cfg)
	if err != nil {
		return nil, err
	}
	r.cfg = cfg
	r.timeouts = compileTimeouts(cfg.Timeouts)
	for name, s := range settings {
		r.domains[name] = newDomain(r, s, r.nextGen())
	}
	r.scheduleReport()
	return r, nil
}

// prepareConfig 复制、补全、校验并编译配置
func prepareConfig(cfg *config.RouterConfig) (*config.RouterConfig, map[string]*DomainSettings, error) {
	cfg = cfg.Clone()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "配置校验失败")
	}
	settings := make(map[string]*DomainSettings, len(cfg.Domains))
	for idx := range cfg.Domains {
		s, err := compileDomain(&cfg.Domains[idx])
		if err != nil {
			return nil, nil, err
		}
		settings[s.Name] = s
	}
	return cfg, settings, nil
}

func (r *Router) nextGen() uint64 {
	r.gen++
	return r.gen
}

// Config 当前配置
func (r *Router) Config() *config.RouterConfig { return r.cfg }

// Clock 路由器使用的时钟
func (r *Router) Clock() clock.Clock { return r.clock }

// Domain 按名称查找域
func (r *Router) Domain(name string) (*Domain, bool) {
	d, ok := r.domains[name]
	return d, ok
}

// Domains 按名称排序的全部域
func (r *Router) Domains() []*Domain {
	out := make([]*Domain, 0, len(r.domains))
	for _, d := range r.domains {
		out = append(out, d)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name() < out[b].Name() })
	return out
}

// Interface 按名称查找接口
func (r *Router) Interface(name string) (*Interface, bool) {
	for _, i := range r.interfaces {
		if i.name == name {
			return i, true
		}
	}
	return nil, false
}

// Interfaces 全部接口
func (r *Router) Interfaces() []*Interface {
	return append([]*Interface(nil), r.interfaces...)
}

func (r *Router) readyDomain(name string) (*Domain, bool) {
	d, ok := r.domains[name]
	if !ok || !d.Ready() {
		return nil, false
	}
	return d, true
}

func (r *Router) clientTimeouts() dhcp.ClientTimeouts {
	return dhcp.ClientTimeouts{Discover: r.timeouts.DHCPDiscover, Request: r.timeouts.DHCPRequest}
}

// AddInterface 添加接口，按策略接入域并注册端点信号
func (r *Router) AddInterface(spec InterfaceSpec) (*Interface, error) {
	if spec.Endpoint == nil || spec.Policy == nil {
		return nil, errors.Errorf("接口 %s 缺少端点或策略", spec.Name)
	}
	if _, ok := r.Interface(spec.Name); ok {
		return nil, errors.Wrap(ErrInterfaceExists, spec.Name)
	}
	if spec.MAC == (packet.MAC{}) {
		spec.MAC = packet.MAC{0x02, 0x02, 0x02, 0x02, byte(len(r.interfaces) >> 8), byte(len(r.interfaces) + 1)}
	}

	i := newInterface(r, spec)
	r.interfaces = append(r.interfaces, i)
	i.policy.HandleConfig(r.cfg)
	if name := i.policy.DetermineDomainName(r.cfg); name != "" {
		if d, ok := r.domains[name]; ok {
			i.attach(d)
			d.ensureDHCPClient()
		} else {
			i.log.Warn("域 %s 不存在，接口暂不接入", name)
		}
	}
	spec.Endpoint.SetSignalHandler(i.signal)
	i.signal()
	return i, nil
}

// RemoveInterface 移除接口并销毁其全部状态
func (r *Router) RemoveInterface(name string) error {
	for idx, i := range r.interfaces {
		if i.name != name {
			continue
		}
		i.ep.SetSignalHandler(func() {})
		i.detach()
		r.interfaces = append(r.interfaces[:idx], r.interfaces[idx+1:]...)
		return nil
	}
	return errors.Wrap(ErrInterfaceNotFound, name)
}

// wakeup 唤醒事件循环，可在任意 goroutine 中调用
func (r *Router) wakeup() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run 运行事件循环直到 ctx 结束
func (r *Router) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer r.running.Store(false)

	tm := r.clock.Timer(time.Hour)
	defer tm.Stop()
	r.log.Info("路由器事件循环启动，%d 个域 %d 个接口", len(r.domains), len(r.interfaces))

	for {
		r.armTimer(tm)
		select {
		case <-ctx.Done():
			r.log.Info("路由器事件循环退出")
			return nil
		case <-r.notify:
			r.handleSignals()
		case fn := <-r.cmds:
			fn()
		case <-tm.C:
			r.timers.Fire()
		}
	}
}

func (r *Router) armTimer(tm *clock.Timer) {
	d := time.Hour
	if next, ok := r.timers.Next(); ok {
		d = next.Sub(r.clock.Now())
		if d < 0 {
			d = 0
		}
	}
	tm.Reset(d)
}

// handleSignals 处理所有置位了信号的接口
func (r *Router) handleSignals() {
	for _, i := range r.Interfaces() {
		if i.signalled.Swap(false) {
			i.handlePktStreamSignal(r.cfg.MaxPacketsPerSignal)
		}
	}
}

// Do 在事件循环中执行 fn 并等待其完成
func (r *Router) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case r.cmds <- func() {
		defer close(done)
		fn()
	}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll 在调用方 goroutine 中处理全部待收报文，返回处理的报文数
// 事件循环未运行时使用（测试与单步调试）
func (r *Router) Poll() int {
	total := 0
	for {
		n := 0
		for _, i := range r.Interfaces() {
			i.signalled.Store(false)
			n += i.handlePktStreamSignal(r.cfg.MaxPacketsPerSignal)
		}
		select {
		case <-r.notify:
		default:
		}
		if n == 0 {
			return total
		}
		total += n
	}
}

// HandleTimeouts 执行已到期的定时器
func (r *Router) HandleTimeouts() int { return r.timers.Fire() }

// Reconfigure 应用新配置
//
// 分三个阶段进行：
//  1. 各接口按新设置检查链路、分配与等待者，销毁失效的部分
//  2. 替换域设置，移除、新建域，接口迁移到新域或把端口迁移到新分配器
//  3. 应用域地址配置，启动 DHCP 客户端，通知各策略域就绪状态
//
// 新配置校验或编译失败时不做任何修改
func (r *Router) Reconfigure(cfg *config.RouterConfig) error {
	cfg, settings, err := prepareConfig(cfg)
	if err != nil {
		return err
	}
	r.cfg = cfg
	r.timeouts = compileTimeouts(cfg.Timeouts)
	for _, i := range r.interfaces {
		i.policy.HandleConfig(cfg)
	}

	for _, i := range r.interfaces {
		i.handleConfig1(settings)
	}

	for _, i := range r.interfaces {
		if i.moving {
			i.detach()
		}
	}
	for name, d := range r.domains {
		s, ok := settings[name]
		if !ok {
			r.log.Info("移除域 %s", name)
			d.destroy()
			delete(r.domains, name)
			continue
		}
		d.settings = s
		d.arp.max = cfg.ARPCacheSize
	}
	for name, s := range settings {
		if _, ok := r.domains[name]; !ok {
			r.log.Info("新建域 %s", name)
			r.domains[name] = newDomain(r, s, r.nextGen())
		}
	}
	for _, i := range r.interfaces {
		if !i.moving {
			i.handleConfig2()
			continue
		}
		if d, ok := r.domains[i.nextDomain]; ok {
			i.attach(d)
		}
		i.moving = false
	}

	for _, d := range r.Domains() {
		d.applyIPMode()
	}
	for _, i := range r.interfaces {
		i.handleConfig3()
	}
	r.scheduleReport()
	r.log.Info("配置已更新")
	return nil
}
