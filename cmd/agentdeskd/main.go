package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"AgentDesk/internal/agent"
	"AgentDesk/internal/api"
	"AgentDesk/internal/batch"
	"AgentDesk/internal/config"
	"AgentDesk/internal/contacts"
	"AgentDesk/internal/intent"
	"AgentDesk/internal/notify"
	"AgentDesk/internal/observability/alerting"
	"AgentDesk/internal/observability/metrics"
	"AgentDesk/internal/resolver"
	"AgentDesk/internal/storage/mysql"
	storageredis "AgentDesk/internal/storage/redis"
	"AgentDesk/internal/task"
	"AgentDesk/internal/transfer"
	"AgentDesk/internal/wallet"
	"AgentDesk/internal/web3/provider"
	"AgentDesk/pkg/logger"
)

// main 是 AgentDesk 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentdeskd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTDESK_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentdesk.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	l := logger.Named("agentdeskd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	redisPool := storageredis.NewPool()
	defer redisPool.Close()

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	chain, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}
	l.Info("链客户端已就绪", slog.String("chain", chain.Name()), slog.Any("chains", chainRegistry.Chains()))

	store, err := openTaskStore(ctx, cfg.Storage.TaskStore)
	if err != nil {
		return err
	}
	defer store.Close()

	history, err := openHistory(ctx, cfg.Storage.History)
	if err != nil {
		return err
	}
	defer history.Close()

	queue, err := openQueue(ctx, cfg.Queue, redisPool)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			l.Warn("关闭调度队列失败", slog.Any("error", err))
		}
	}()

	inbox, chatLog, err := openNotify(ctx, cfg.Notify, redisPool)
	if err != nil {
		return err
	}
	notifier := notify.NewFanout(inbox, notify.LogNotifier{})

	directory, registry, err := openContacts(ctx, cfg.Contacts, redisPool)
	if err != nil {
		return err
	}

	transferCfg, err := transferConfig(cfg)
	if err != nil {
		return err
	}
	alerts, err := openAlerting(cfg.Alerting)
	if err != nil {
		return err
	}
	controller := transfer.NewController(chain, store, transferCfg,
		transfer.WithTokens(chain.Tokens()),
		transfer.WithAlerts(alerts),
	)

	resolverOpts := []resolver.Option{resolver.WithDirectory(directory)}
	if registry != nil {
		resolverOpts = append(resolverOpts, resolver.WithRegistry(registry))
	}
	tracker := agent.NewTracker(cfg.Agent.Retention)
	ag := agent.New(wallet.KeystoreCredential{}, controller,
		agent.WithResolver(resolver.New(resolverOpts...)),
		agent.WithDirectory(directory),
		agent.WithHistory(history),
		agent.WithNotifier(notifier),
		agent.WithChatLog(chatLog),
		agent.WithTracker(tracker),
		agent.WithInterval(cfg.Agent.Interval),
	)

	bridges := task.NewMemoryBridgeStore()
	desk := task.NewDesk(store, queue, task.WithBatchSource(tracker), task.WithBridgeSource(bridges))

	serverOpts := []api.Option{
		api.WithHistory(history),
		api.WithParser(batch.NewParser(chain.Tokens().Symbols())),
		api.WithDirectory(directory),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
	}
	if strings.TrimSpace(cfg.Intent.URL) != "" {
		src, err := intent.NewHTTPSource(cfg.Intent.URL, cfg.Intent.Timeout)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, api.WithIntentSource(src))
	}
	server := api.NewServer(cfg.Server.Address, ag, desk, serverOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(server.Start(gctx))
	})
	if addr := strings.TrimSpace(cfg.Server.MetricsAddress); addr != "" {
		g.Go(func() error {
			return ignoreCanceled(metrics.StartServer(gctx, addr))
		})
	}
	if cfg.Scheduler.Enabled {
		poller := task.NewDuePoller(store, queue, cfg.Scheduler.PollInterval)
		processor := task.NewProcessor(store, transfer.NewReleaser(chain), queue,
			task.WithWorkerCount(cfg.Scheduler.Workers),
			task.WithMaxAttempts(cfg.Scheduler.MaxAttempts),
			task.WithNotifier(notifier),
			task.WithAlertDispatcher(alerts),
		)
		g.Go(func() error {
			return ignoreCanceled(poller.Run(gctx))
		})
		g.Go(func() error {
			return ignoreCanceled(processor.Start(gctx))
		})
	} else {
		l.Info("定时任务释放已关闭")
	}
	return g.Wait()
}

func openTaskStore(ctx context.Context, cfg config.TaskStoreConfig) (task.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ctx, mysql.Config{DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Driver)
	}
}

func openHistory(ctx context.Context, cfg config.HistoryConfig) (mysql.HistoryRepository, error) {
	switch cfg.Driver {
	case "", "file":
		return mysql.NewFileHistoryRepository(cfg.Path)
	case "mysql":
		return mysql.NewSQLHistoryRepository(ctx, mysql.Config{DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("未知的历史记录驱动: %s", cfg.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig, pool *storageredis.Pool) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		client, err := pool.Get(ctx, redisConfig(cfg.Redis))
		if err != nil {
			return nil, err
		}
		return task.NewRedisQueue(client, cfg.Redis.Key)
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.Buffer,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func openNotify(ctx context.Context, cfg config.NotifyConfig, pool *storageredis.Pool) (notify.Service, notify.ChatLog, error) {
	switch cfg.Driver {
	case "", "memory":
		return notify.NewMemoryInbox(cfg.Capacity), notify.NewMemoryChatLog(), nil
	case "redis":
		client, err := pool.Get(ctx, redisConfig(cfg.Redis))
		if err != nil {
			return nil, nil, err
		}
		return notify.NewRedisInbox(client, cfg.Redis.Key, cfg.Capacity),
			notify.NewRedisChatLog(client, cfg.Redis.Key+":chat", cfg.Capacity), nil
	default:
		return nil, nil, fmt.Errorf("未知的通知驱动: %s", cfg.Driver)
	}
}

func openContacts(ctx context.Context, cfg config.ContactsConfig, pool *storageredis.Pool) (contacts.Directory, contacts.Registry, error) {
	var directory contacts.Directory = contacts.NewStaticDirectory(nil, nil)
	if cfg.StaticFile != "" {
		loaded, err := contacts.LoadStaticDirectory(cfg.StaticFile)
		if err != nil {
			return nil, nil, err
		}
		directory = loaded
	}
	if strings.TrimSpace(cfg.RegistryURL) == "" {
		return directory, nil, nil
	}

	httpRegistry, err := contacts.NewHTTPRegistry(cfg.RegistryURL)
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return directory, httpRegistry, nil
	}
	client, err := pool.Get(ctx, redisConfig(cfg.Redis))
	if err != nil {
		return nil, nil, err
	}
	cached, err := contacts.NewCachedRegistry(httpRegistry, client, cfg.Redis.Key, cfg.CacheTTL)
	if err != nil {
		return nil, nil, err
	}
	return directory, cached, nil
}

func openAlerting(cfg config.AlertingConfig) (alerting.Dispatcher, error) {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if strings.TrimSpace(cfg.WebhookURL) != "" {
		webhook, err := alerting.NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, webhook)
	}
	return alerting.NewFanout(notifiers...), nil
}

func transferConfig(cfg *config.Config) (transfer.Config, error) {
	topUp, err := decimal.NewFromString(cfg.Transfer.TopUpAmount)
	if err != nil {
		return transfer.Config{}, fmt.Errorf("topup_amount 不合法: %w", err)
	}
	reserve, err := decimal.NewFromString(cfg.Transfer.GasReserve)
	if err != nil {
		return transfer.Config{}, fmt.Errorf("gas_reserve 不合法: %w", err)
	}
	return transfer.Config{
		BalancePollAttempts: cfg.Transfer.BalancePollAttempts,
		BalancePollInterval: cfg.Transfer.BalancePollInterval,
		TopUpWait:           cfg.Transfer.TopUpWait,
		TopUpAmount:         topUp,
		GasReserve:          reserve,
		DefaultDelay:        cfg.Agent.DefaultScheduleDelay,
	}, nil
}

func redisConfig(cfg config.RedisConfig) storageredis.Config {
	return storageredis.Config{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
