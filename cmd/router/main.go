package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"nic-router/internal/cli"
	"nic-router/internal/config"
	"nic-router/internal/dao"
	"nic-router/internal/database"
	"nic-router/internal/logging"
	"nic-router/internal/packet"
	"nic-router/internal/report"
	"nic-router/internal/router"
	"nic-router/internal/stream"
	"nic-router/internal/web"
)

func main() {
	// 命令行参数
	var (
		configFile = flag.String("config", "config.json", "配置文件路径")
		noCLI      = flag.Bool("no-cli", false, "不启动交互式命令行")
		help       = flag.Bool("help", false, "显示帮助信息")
	)
	flag.Parse()

	if *help {
		fmt.Println("nic-router - 多域 NAT 路由器")
		fmt.Println()
		fmt.Println("用法:")
		flag.PrintDefaults()
		return
	}

	configManager := config.NewConfigManager(*configFile)
	if err := configManager.LoadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := configManager.GetConfig()

	// 初始化日志系统
	logger := logging.NewLogger(logging.ParseLogLevel(cfg.LogLevel), cfg.LogFile)
	logging.SetDefault(logger)
	defer func() {
		_ = logger.Close()
	}()

	logger.Info("nic-router 启动中，配置文件 %s", *configFile)

	recorder, daoManager, closeRecorder := openRecorder(cfg, logger)
	defer closeRecorder()

	r, err := router.New(cfg, router.WithLogger(logger), router.WithRecorder(recorder))
	if err != nil {
		logger.Fatal("创建路由器失败: %v", err)
	}

	closers, err := attachInterfaces(r, cfg)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	if err != nil {
		logger.Error("创建接口失败: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()

	if cfg.Web.Enabled {
		ws := web.NewServer(cfg.Web, r, daoManager, logger.Named("web"))
		if err := ws.Start(); err != nil {
			logger.Error("启动状态接口失败: %v", err)
		} else {
			defer func() {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer stopCancel()
				_ = ws.Stop(stopCtx)
			}()
		}
	}

	var exitChan <-chan bool
	if !*noCLI {
		console := cli.NewCLI(r, configManager)
		exitChan = console.GetExitChan()
		go console.Start()
	}

	logger.Info("nic-router 已启动")

	// SIGHUP 重新加载配置，SIGINT/SIGTERM 退出
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

loop:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				reload(ctx, r, configManager, logger)
				continue
			}
			break loop
		case <-exitChan:
			break loop
		case err := <-runDone:
			logger.Error("事件循环异常退出: %v", err)
			return
		}
	}

	logger.Info("正在关闭 nic-router...")
	cancel()
	if err := <-runDone; err != nil {
		logger.Error("事件循环退出: %v", err)
	}
	logger.Info("nic-router 已关闭")
}

// openRecorder 按配置打开持久化数据库，未启用或失败时返回空记录器和 nil 的 DAO 管理器
func openRecorder(cfg *config.RouterConfig, logger *logging.Logger) (report.Recorder, dao.DAOManager, func()) {
	if !cfg.Database.Enabled {
		return report.NopRecorder{}, nil, func() {}
	}

	dbManager := database.NewManager(database.FromRouterConfig(cfg.Database))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dbManager.Initialize(ctx, dao.Models()...); err != nil {
		logger.Error("初始化数据库失败，不记录统计: %v", err)
		return report.NopRecorder{}, nil, func() {}
	}

	daoManager := dao.NewDAOManager(dbManager.GetDatabase())
	rec := dao.NewRecorder(daoManager, dao.WithRecorderLogger(logger.Named("dao")))
	logger.Info("统计与租约记录写入 %s", cfg.Database.Path)

	return rec, daoManager, func() {
		_ = rec.Close()
		if err := dbManager.Close(); err != nil {
			logger.Error("关闭数据库失败: %v", err)
		}
	}
}

// attachInterfaces 为每个配置的接口打开数据报端点并加入路由器
func attachInterfaces(r *router.Router, cfg *config.RouterConfig) ([]io.Closer, error) {
	var closers []io.Closer
	for _, ic := range cfg.Interfaces {
		var mac packet.MAC
		if ic.MAC != "" {
			m, err := packet.ParseMAC(ic.MAC)
			if err != nil {
				return closers, errors.Wrapf(err, "接口 %s", ic.Name)
			}
			mac = m
		}

		conn, err := stream.Dial(ic.Listen, ic.Peer, stream.ConnOptions{})
		if err != nil {
			return closers, errors.Wrapf(err, "接口 %s", ic.Name)
		}
		closers = append(closers, conn)

		if _, err := r.AddInterface(router.InterfaceSpec{
			Name:     ic.Name,
			Label:    ic.Label,
			MAC:      mac,
			Endpoint: conn,
			Policy:   router.NewPolicy(ic, conn),
		}); err != nil {
			return closers, err
		}
		logging.Info("接口 %s 监听 %s", ic.Name, conn.LocalAddr())
	}
	return closers, nil
}

// reload 重新读取配置文件并在事件循环中应用
func reload(ctx context.Context, r *router.Router, cm *config.ConfigManager, logger *logging.Logger) {
	cfg, err := cm.Reload()
	if err != nil {
		logger.Error("重新加载配置失败: %v", err)
		return
	}

	var applyErr error
	if err := r.Do(ctx, func() { applyErr = r.Reconfigure(cfg) }); err != nil {
		logger.Error("重新加载配置失败: %v", err)
		return
	}
	if applyErr != nil {
		logger.Error("应用配置失败: %v", applyErr)
		return
	}
	logger.Info("配置已重新加载")
}
