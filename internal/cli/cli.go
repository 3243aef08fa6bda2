package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"

	"nic-router/internal/config"
	"nic-router/internal/router"
)

// queryTimeout 等待事件循环执行查询的最长时间
const queryTimeout = 2 * time.Second

// CLI 命令行接口
//
// 所有查询和重新配置都通过 Router.Do 投递到路由器事件循环中执行，
// 因此 CLI 可以在任意 goroutine 中运行。
type CLI struct {
	router        *router.Router
	configManager *config.ConfigManager
	out           io.Writer
	running       bool
	exitChan      chan bool
	rl            *readline.Instance
	historyFile   string
}

// NewCLI 创建CLI实例
func NewCLI(r *router.Router, cm *config.ConfigManager) *CLI {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.TempDir()
	}

	return &CLI{
		router:        r,
		configManager: cm,
		out:           os.Stdout,
		exitChan:      make(chan bool, 1),
		historyFile:   filepath.Join(homeDir, ".nic-router_history"),
	}
}

// SetOutput 设置命令输出目标
func (cli *CLI) SetOutput(w io.Writer) {
	cli.out = w
}

// Start 启动交互式命令行，阻塞直到 exit 或输入结束
func (cli *CLI) Start() {
	cli.running = true

	cfg := &readline.Config{
		Prompt:          cli.prompt(),
		HistoryFile:     cli.historyFile,
		AutoComplete:    cli.createCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	}

	var err error
	cli.rl, err = readline.NewEx(cfg)
	if err != nil {
		fmt.Fprintf(cli.out, "初始化CLI失败: %v\n", err)
		return
	}
	defer func() {
		_ = cli.rl.Close()
	}()
	cli.out = cli.rl.Stdout()

	fmt.Fprintln(cli.out, "输入 'help' 查看可用命令，Tab键自动补全")

	for cli.running {
		line, err := cli.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			} else if err == io.EOF {
				break
			}
			fmt.Fprintf(cli.out, "读取输入失败: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cli.Execute(line)
	}
	cli.Stop()
}

// Stop 停止CLI
func (cli *CLI) Stop() {
	cli.running = false
	select {
	case cli.exitChan <- true:
	default:
	}
}

// GetExitChan 获取退出信号channel
func (cli *CLI) GetExitChan() <-chan bool {
	return cli.exitChan
}

func (cli *CLI) prompt() string {
	name := "nic-router"
	if cli.configManager != nil {
		if h := cli.configManager.GetConfig().Hostname; h != "" {
			name = h
		}
	}
	return name + "> "
}

// Execute 执行一行命令
func (cli *CLI) Execute(line string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return
	}

	command := parts[0]
	args := parts[1:]

	switch command {
	case "help":
		cli.showHelp()
	case "show":
		cli.handleShowCommand(args)
	case "save":
		cli.handleSaveCommand()
	case "reload":
		cli.handleReloadCommand()
	case "exit", "quit":
		cli.Stop()
	default:
		fmt.Fprintf(cli.out, "未知命令: %s\n", command)
		fmt.Fprintln(cli.out, "输入 'help' 查看可用命令")
	}
}

func (cli *CLI) showHelp() {
	fmt.Fprintln(cli.out, "可用命令:")
	fmt.Fprintln(cli.out, "  help                         - 显示帮助信息")
	fmt.Fprintln(cli.out, "  show interfaces              - 显示接口与所在域")
	fmt.Fprintln(cli.out, "  show domains                 - 显示域的地址配置")
	fmt.Fprintln(cli.out, "  show links <接口> [tcp|udp|icmp] - 显示接口的链路")
	fmt.Fprintln(cli.out, "  show dhcp                    - 显示DHCP分配与客户端状态")
	fmt.Fprintln(cli.out, "  show arp [域]                - 显示ARP缓存")
	fmt.Fprintln(cli.out, "  show report                  - 输出完整状态报告")
	fmt.Fprintln(cli.out, "  show config                  - 显示当前配置摘要")
	fmt.Fprintln(cli.out, "  save                         - 保存配置")
	fmt.Fprintln(cli.out, "  reload                       - 重新加载配置文件并应用")
	fmt.Fprintln(cli.out, "  exit/quit                    - 退出CLI")
}

func (cli *CLI) handleShowCommand(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(cli.out, "用法: show <interfaces|domains|links|dhcp|arp|report|config>")
		return
	}

	switch args[0] {
	case "interfaces":
		cli.showInterfaces()
	case "domains":
		cli.showDomains()
	case "links":
		cli.showLinks(args[1:])
	case "dhcp":
		cli.showDHCP()
	case "arp":
		cli.showARP(args[1:])
	case "report":
		cli.showReport()
	case "config":
		cli.showConfig()
	default:
		fmt.Fprintf(cli.out, "未知的show子命令: %s\n", args[0])
	}
}

// query 在事件循环中执行 fn
func (cli *CLI) query(fn func()) bool {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	if err := cli.router.Do(ctx, fn); err != nil {
		fmt.Fprintf(cli.out, "查询失败: %v\n", err)
		return false
	}
	return true
}

func (cli *CLI) showInterfaces() {
	var rows []string
	ok := cli.query(func() {
		for _, i := range cli.router.Interfaces() {
			domain := "-"
			if d, ok := i.Domain(); ok {
				domain = d.Name()
			}
			link := "down"
			if i.LinkState() {
				link = "up"
			}
			rows = append(rows, fmt.Sprintf("%-10s %-10s %-18s %-5s %-6d %-6d %-6d",
				i.Name(), domain, i.MAC(), link,
				len(i.Links(router.TCP)), len(i.Links(router.UDP)), len(i.Links(router.ICMP))))
		}
	})
	if !ok {
		return
	}

	fmt.Fprintln(cli.out, "接口信息:")
	fmt.Fprintf(cli.out, "%-10s %-10s %-18s %-5s %-6s %-6s %-6s\n", "接口", "域", "MAC", "链路", "TCP", "UDP", "ICMP")
	fmt.Fprintln(cli.out, strings.Repeat("-", 70))
	for _, row := range rows {
		fmt.Fprintln(cli.out, row)
	}
}

func (cli *CLI) showDomains() {
	var rows []string
	ok := cli.query(func() {
		for _, d := range cli.router.Domains() {
			ip := d.IPConfig()
			addr, gw, source := "未配置", "-", "static"
			if ip.Valid() {
				addr = ip.Interface.String()
				if ip.Gateway.IsValid() {
					gw = ip.Gateway.String()
				}
			}
			if ip.FromDHCP {
				source = "dhcp"
			}
			rows = append(rows, fmt.Sprintf("%-10s %-18s %-15s %-7s %-6v %-4d",
				d.Name(), addr, gw, source, d.Ready(), len(d.Interfaces())))
		}
	})
	if !ok {
		return
	}

	fmt.Fprintln(cli.out, "域信息:")
	fmt.Fprintf(cli.out, "%-10s %-18s %-15s %-7s %-6s %-4s\n", "域", "地址", "网关", "来源", "就绪", "接口")
	fmt.Fprintln(cli.out, strings.Repeat("-", 70))
	for _, row := range rows {
		fmt.Fprintln(cli.out, row)
	}
}

func (cli *CLI) showLinks(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(cli.out, "用法: show links <接口> [tcp|udp|icmp]")
		return
	}
	protocols := router.Protocols()
	if len(args) > 1 {
		p, ok := router.ParseProtocol(args[1])
		if !ok {
			fmt.Fprintf(cli.out, "未知协议: %s\n", args[1])
			return
		}
		protocols = []router.Protocol{p}
	}

	var rows []string
	found := false
	ok := cli.query(func() {
		i, exists := cli.router.Interface(args[0])
		if !exists {
			return
		}
		found = true
		for _, p := range protocols {
			for _, l := range i.Links(p) {
				state := l.State().String()
				if l.Dissolved() {
					state += "(dissolved)"
				}
				nat := "-"
				if port := l.NATPort(); port != 0 {
					nat = fmt.Sprintf("%d", port)
				}
				rows = append(rows, fmt.Sprintf("%-5s %-44s %-6s %s", p, l.ClientID(), nat, state))
			}
		}
	})
	if !ok {
		return
	}
	if !found {
		fmt.Fprintf(cli.out, "接口不存在: %s\n", args[0])
		return
	}

	fmt.Fprintf(cli.out, "%s 的链路 (%d):\n", args[0], len(rows))
	for _, row := range rows {
		fmt.Fprintln(cli.out, row)
	}
}

func (cli *CLI) showDHCP() {
	var rows []string
	ok := cli.query(func() {
		now := cli.router.Clock().Now()
		for _, i := range cli.router.Interfaces() {
			if c := i.DHCPClient(); c != nil {
				line := fmt.Sprintf("%-10s client %s", i.Name(), c.State())
				if lease, d, bound := c.Lease(); bound {
					line += fmt.Sprintf(" %s 租期 %s", lease.Interface, d)
				}
				rows = append(rows, line)
			}
			for _, a := range i.Allocations() {
				state := "offered"
				if a.Bound {
					state = "bound"
				}
				rows = append(rows, fmt.Sprintf("%-10s %-17s %-15s %-7s %s",
					i.Name(), a.MAC, a.IP, state, a.Expires.Sub(now).Truncate(time.Second)))
			}
		}
	})
	if !ok {
		return
	}

	fmt.Fprintln(cli.out, "DHCP:")
	if len(rows) == 0 {
		fmt.Fprintln(cli.out, "  无分配")
		return
	}
	for _, row := range rows {
		fmt.Fprintln(cli.out, row)
	}
}

func (cli *CLI) showARP(args []string) {
	var rows []string
	ok := cli.query(func() {
		for _, d := range cli.router.Domains() {
			if len(args) > 0 && d.Name() != args[0] {
				continue
			}
			for _, e := range d.ARP().All() {
				iface := "-"
				if i := e.Interface(); i != nil {
					iface = i.Name()
				}
				rows = append(rows, fmt.Sprintf("%-10s %-15s %-18s %s", d.Name(), e.IP, e.MAC, iface))
			}
		}
	})
	if !ok {
		return
	}

	sort.Strings(rows)
	fmt.Fprintln(cli.out, "ARP缓存:")
	fmt.Fprintf(cli.out, "%-10s %-15s %-18s %s\n", "域", "IP", "MAC", "接口")
	for _, row := range rows {
		fmt.Fprintln(cli.out, row)
	}
}

func (cli *CLI) showReport() {
	var data []byte
	var err error
	if !cli.query(func() {
		data, err = cli.router.GenerateReport().JSON(true)
	}) {
		return
	}
	if err != nil {
		fmt.Fprintf(cli.out, "生成报告失败: %v\n", err)
		return
	}
	fmt.Fprintln(cli.out, string(data))
}

func (cli *CLI) showConfig() {
	cfg := cli.configManager.GetConfig()

	fmt.Fprintf(cli.out, "主机名: %s\n", cfg.Hostname)
	fmt.Fprintf(cli.out, "日志级别: %s\n", cfg.LogLevel)
	fmt.Fprintf(cli.out, "规则优先级: %s\n", cfg.RulePrecedence)
	fmt.Fprintf(cli.out, "域: %d  接口: %d  会话策略: %d\n", len(cfg.Domains), len(cfg.Interfaces), len(cfg.SessionPolicies))
	fmt.Fprintf(cli.out, "持久化: %v\n", cfg.Database.Enabled)
}

func (cli *CLI) handleSaveCommand() {
	if err := cli.configManager.SaveConfig(); err != nil {
		fmt.Fprintf(cli.out, "保存配置失败: %v\n", err)
	} else {
		fmt.Fprintln(cli.out, "配置已保存")
	}
}

// handleReloadCommand 重新读取配置文件并在事件循环中应用
func (cli *CLI) handleReloadCommand() {
	cfg, err := cli.configManager.Reload()
	if err != nil {
		fmt.Fprintf(cli.out, "重新加载配置失败: %v\n", err)
		return
	}

	var applyErr error
	if !cli.query(func() {
		applyErr = cli.router.Reconfigure(cfg)
	}) {
		return
	}
	if applyErr != nil {
		fmt.Fprintf(cli.out, "应用配置失败: %v\n", applyErr)
		return
	}
	fmt.Fprintln(cli.out, "配置已重新加载")
}

func (cli *CLI) createCompleter() readline.AutoCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("show",
			readline.PcItem("interfaces"),
			readline.PcItem("domains"),
			readline.PcItem("links"),
			readline.PcItem("dhcp"),
			readline.PcItem("arp"),
			readline.PcItem("report"),
			readline.PcItem("config"),
		),
		readline.PcItem("save"),
		readline.PcItem("reload"),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
	)
}
