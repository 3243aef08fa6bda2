package cli

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"

	"nic-router/internal/config"
	"nic-router/internal/logging"
	"nic-router/internal/router"
	"nic-router/internal/stream"
)

type CLISuite struct {
	suite.Suite
	cm     *config.ConfigManager
	r      *router.Router
	cli    *CLI
	out    *bytes.Buffer
	cancel context.CancelFunc
	done   chan error
}

func TestCLI(t *testing.T) {
	defer goleak.VerifyNone(t)
	suite.Run(t, new(CLISuite))
}

func (s *CLISuite) SetupTest() {
	s.cm = config.NewConfigManager(filepath.Join(s.T().TempDir(), "config.json"))
	s.Require().NoError(s.cm.LoadConfig())

	cfg := s.cm.GetConfig()
	r, err := router.New(cfg, router.WithLogger(logging.NewWriterLogger(logging.LogLevelError, io.Discard)))
	s.Require().NoError(err)
	for _, ic := range cfg.Interfaces {
		ep, _ := stream.NewPair(stream.PairOptions{})
		_, err := r.AddInterface(router.InterfaceSpec{
			Name:     ic.Name,
			Label:    ic.Label,
			Endpoint: ep,
			Policy:   router.NewPolicy(ic, ep),
		})
		s.Require().NoError(err)
	}
	s.r = r

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- r.Run(ctx) }()

	s.out = &bytes.Buffer{}
	s.cli = NewCLI(r, s.cm)
	s.cli.SetOutput(s.out)
}

func (s *CLISuite) TearDownTest() {
	s.cancel()
	s.NoError(<-s.done)
}

func (s *CLISuite) run(line string) string {
	s.out.Reset()
	s.cli.Execute(line)
	return s.out.String()
}

func (s *CLISuite) TestShowInterfaces() {
	out := s.run("show interfaces")
	s.Contains(out, "uplink")
	s.Contains(out, "lan0")
	s.Contains(out, "default")
}

func (s *CLISuite) TestShowDomains() {
	out := s.run("show domains")
	s.Contains(out, "10.0.1.1/24")
	s.Contains(out, "10.0.0.254")
	s.Contains(out, "static")
}

func (s *CLISuite) TestShowLinks() {
	s.Contains(s.run("show links lan0"), "lan0 的链路 (0)")
	s.Contains(s.run("show links lan0 udp"), "lan0 的链路 (0)")
	s.Contains(s.run("show links lan0 sctp"), "未知协议")
	s.Contains(s.run("show links eth9"), "接口不存在")
	s.Contains(s.run("show links"), "用法")
}

func (s *CLISuite) TestShowDHCPAndARP() {
	s.Contains(s.run("show dhcp"), "无分配")
	s.Contains(s.run("show arp default"), "ARP缓存")
}

func (s *CLISuite) TestShowReport() {
	out := s.run("show report")
	s.Contains(out, `"name": "nic-router"`)
	s.Contains(out, `"domain"`)
}

func (s *CLISuite) TestUnknownCommand() {
	s.Contains(s.run("route add"), "未知命令")
	s.Contains(s.run("show routes"), "未知的show子命令")
	s.Contains(s.run("help"), "reload")
}

func (s *CLISuite) TestReload() {
	cfg := s.cm.GetConfig()
	cfg.Hostname = "edge"
	s.Require().NoError(s.cm.SetConfig(cfg))
	s.Contains(s.run("save"), "配置已保存")

	s.Contains(s.run("reload"), "配置已重新加载")

	var hostname string
	s.Require().NoError(s.r.Do(context.Background(), func() {
		hostname = s.r.Config().Hostname
	}))
	s.Equal("edge", hostname)
	s.Equal("edge> ", s.cli.prompt())
}

func (s *CLISuite) TestExit() {
	s.run("exit")
	select {
	case <-s.cli.GetExitChan():
	default:
		s.Fail("exit 未发出退出信号")
	}
}

func TestQueryFailsWhenRouterStopped(t *testing.T) {
	r, err := router.New(config.DefaultConfig(), router.WithLogger(logging.NewWriterLogger(logging.LogLevelError, io.Discard)))
	require.NoError(t, err)

	out := &bytes.Buffer{}
	c := NewCLI(r, config.NewConfigManager(filepath.Join(t.TempDir(), "config.json")))
	c.SetOutput(out)
	c.Execute("show interfaces")
	require.Contains(t, out.String(), "查询失败")
}
