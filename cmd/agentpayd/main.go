package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"AgentPay-Chain/internal/api"
	"AgentPay-Chain/internal/auth"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/funding"
	"AgentPay-Chain/internal/intent"
	"AgentPay-Chain/internal/intent/queue"
	"AgentPay-Chain/internal/keyvault"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/ledger/provider"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/session"
	"AgentPay-Chain/internal/spendguard"
	"AgentPay-Chain/internal/storage/mysql"
	"AgentPay-Chain/internal/swap"
	"AgentPay-Chain/pkg/logger"
)

// main 是 AgentPay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.LoggerConfig()); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("agentpayd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o700); err != nil {
		return err
	}

	registry, err := provider.NewRegistry(ctx, cfg.Web3, provider.Timeouts{
		RPC:     cfg.Runtime.RPCTimeout(),
		Confirm: cfg.Runtime.ConfirmTimeout(),
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	store, closeStore, err := openSecretStore(ctx, cfg.Vault)
	if err != nil {
		return err
	}
	defer closeStore()

	funder, err := openFunding(registry, cfg.Funding)
	if err != nil {
		return err
	}
	defer funder.Close()

	limits, err := spendLimits(cfg.SpendGuard)
	if err != nil {
		return err
	}

	alerts := buildAlerts(cfg.Alerting)
	manager, err := session.New(session.Config{
		Adapters: registry.Adapters(),
		Store:    store,
		Funding:  funder,
		Limits:   limits,
	}, session.WithAlerts(alerts))
	if err != nil {
		return err
	}
	addresses, err := manager.Start(ctx)
	if err != nil {
		return err
	}
	for chain, addr := range addresses {
		lg.Info("session key ready",
			slog.String("session_id", manager.ID()),
			slog.String("chain", string(chain)),
			slog.String("ledger", registry.Name(chain)),
			slog.String("address", addr))
	}

	dispatcherOpts := []intent.Option{}
	if cfg.Swap.BaseURL != "" {
		quoter, err := swap.NewClient(swap.Config{
			BaseURL:     cfg.Swap.BaseURL,
			APIKey:      envValue(cfg.Swap.APIKeyEnv),
			Timeout:     cfg.Swap.Timeout(),
			SlippageBps: cfg.Swap.SlippageBps,
		})
		if err != nil {
			return err
		}
		dispatcherOpts = append(dispatcherOpts, intent.WithQuoter(quoter))
	}
	dispatcher := intent.NewDispatcher(manager, dispatcherOpts...)

	queues, err := queue.Open(ctx, cfg.IntentQueue)
	if err != nil {
		return err
	}
	defer queues.Close()

	token := cfg.Server.APIToken
	if token == "" {
		lg.Warn("api token not configured, all /api requests will be denied")
	}
	serverOpts := []api.Option{api.WithShutdownTimeout(cfg.Runtime.ShutdownTimeout())}
	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		serverOpts = append(serverOpts, api.WithMetrics(cfg.Metrics.Path))
	}
	server := api.NewServer(cfg.Server.Address, manager, dispatcher, auth.NewStaticToken(token), serverOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(manager.WatchBalances(gctx, cfg.Runtime.BalancePollInterval())) })
	if queues != nil {
		worker := queue.NewWorker(dispatcher, queues.Calls, queues.Results,
			queue.WithWorkerCount(cfg.IntentQueue.Workers),
			queue.WithAlertDispatcher(alerts))
		g.Go(func() error { return ignoreCanceled(worker.Start(gctx)) })
		lg.Info("intent queue consuming", slog.String("driver", cfg.IntentQueue.Driver), slog.String("queue", cfg.IntentQueue.Queue))
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		g.Go(func() error { return ignoreCanceled(metrics.StartServer(gctx, cfg.Metrics.Address, cfg.Metrics.Path)) })
	}

	err = g.Wait()
	// 会话密钥保留在存储中，重启后恢复；撤销需要显式调用 /session/revoke。
	lg.Info("agentpayd stopped", slog.String("session_id", manager.ID()), slog.String("state", string(manager.State())))
	return err
}

func openSecretStore(ctx context.Context, cfg config.VaultConfig) (keyvault.SecretStore, func(), error) {
	noop := func() {}
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return keyvault.NewMemoryStore(), noop, nil
	case "", "file":
		store, err := keyvault.NewFileStore(cfg.File.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil
	case "redis":
		store, err := keyvault.NewRedisStore(ctx, keyvault.RedisStoreConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       time.Duration(cfg.Redis.TTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "mysql":
		store, err := mysql.NewSecretStore(ctx, mysql.Config{
			DSN:          cfg.MySQL.DSN,
			MaxOpenConns: cfg.MySQL.MaxOpenConns,
			MaxIdleConns: cfg.MySQL.MaxIdleConns,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的密钥存储驱动: %s", cfg.Driver)
	}
}

func openFunding(adapters funding.AdapterSource, cfg config.FundingConfig) (*funding.KeyedSigner, error) {
	switch cfg.Driver {
	case "", "keyed":
		return funding.FromEnv(adapters, cfg.KeyEnv)
	default:
		return nil, fmt.Errorf("未知的资金签名器: %s", cfg.Driver)
	}
}

func spendLimits(cfg config.SpendGuardConfig) (spendguard.Config, error) {
	limits := make(spendguard.Config, len(cfg.Chains))
	for name, chainCfg := range cfg.Chains {
		chain, ok := ledger.ParseChain(name)
		if !ok {
			return nil, fmt.Errorf("spend_guard 配置了未知链 %s", name)
		}
		l, err := spendguard.ParseLimits(chainCfg.MaxTotal, chainCfg.MaxPerTransaction, chainCfg.AllowList)
		if err != nil {
			return nil, fmt.Errorf("链 %s 的限额无效: %w", name, err)
		}
		limits[chain] = l
	}
	return limits, nil
}

func buildAlerts(cfg config.AlertingConfig) *alerting.FanoutDispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{Sender: alerting.NewWebhookSender(cfg.SlackWebhook).Slack()})
	}
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{Sender: alerting.NewWebhookSender(cfg.DingTalkWebhook).DingTalk()})
	}
	return alerting.NewFanout(notifiers...)
}

func envValue(name string) string {
	if name == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
