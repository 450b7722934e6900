package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"Stimulus-Agent/internal/agent"
	"Stimulus-Agent/internal/broker"
	"Stimulus-Agent/internal/config"
	"Stimulus-Agent/internal/deadletter"
	xerrors "Stimulus-Agent/internal/errors"
	"Stimulus-Agent/internal/observability/alerting"
	"Stimulus-Agent/internal/observability/metrics"
	"Stimulus-Agent/internal/observability/tracing"
	"Stimulus-Agent/internal/stimulus"
	"Stimulus-Agent/internal/trigger"
	"Stimulus-Agent/pkg/logger"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func init() {
	_ = godotenv.Load()
}

// main 是 stimulus 守护进程的入口。
func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("stimulusd"),
		kong.Description("Stimulus-driven agent runtime"),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch kctx.Command() {
	case "run":
		err = run(ctx, cli.Run)
	case "validate":
		err = validate(os.Stdout, cli.Validate)
	case "publish":
		err = publish(ctx, cli.Publish)
	case "dead-letters":
		err = listDeadLetters(ctx, os.Stdout, cli.DeadLetters)
	case "version":
		printVersion(os.Stdout)
	default:
		err = fmt.Errorf("未知命令 %s", kctx.Command())
	}
	kctx.FatalIfErrorf(err)
}

func run(ctx context.Context, cmd RunCmd) error {
	cfg, err := config.Load(cmd.Config)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("stimulusd")

	shutdownTracing, err := tracing.Setup(ctx, cfg.TracerConfig())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 tracing 失败")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("关闭 tracing 失败", slog.Any("error", err))
		}
	}()

	collector := metrics.NewCollector()
	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address, collector); err != nil && !stdErrors.Is(err, context.Canceled) {
				log.Error("指标服务退出", slog.Any("error", err))
			}
		}()
	}

	alerter := newAlerter(cfg)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var manager *broker.Manager
	if len(cfg.Broker.Bindings) > 0 {
		manager = newManager(cfg)
		defer manager.Close()
	}

	var redisList *trigger.RedisList
	if cfg.Trigger.Redis.Enabled {
		redisList, err = trigger.NewRedisList(ctx, trigger.RedisListConfig{
			Address:   cfg.Trigger.Redis.Address,
			Password:  cfg.Trigger.Redis.Password,
			DB:        cfg.Trigger.Redis.DB,
			Keys:      cfg.Trigger.Redis.Keys,
			BlockWait: config.Duration(cfg.Trigger.Redis.BlockWait),
		})
		if err != nil {
			return err
		}
		defer redisList.Close()
	}

	def, err := buildDefinition(components{
		cfg:       cfg,
		manager:   manager,
		trigger:   redisList,
		store:     store,
		collector: collector,
		alerter:   alerter,
	})
	if err != nil {
		return err
	}

	rt := def.NewRuntime(
		agent.WithAlerter(alerter),
		agent.WithEngineOptions(engineOptions(cfg, collector)...),
	)

	log.Info("stimulusd 启动",
		slog.String("agent", def.Name()),
		slog.String("runtime_id", rt.ID()),
		slog.Any("stimuli", def.Stimuli()),
		slog.String("version", version),
	)
	if err := rt.Run(ctx); err != nil {
		return err
	}
	log.Info("stimulusd 已退出", slog.String("reason", string(rt.Reason())))
	return nil
}

// engineOptions 返回所有引擎共用的选项；agent.workers 大于 0 时全部 stimulus 共享同一个池。
func engineOptions(cfg *config.Config, observer stimulus.Observer) []stimulus.Option {
	opts := []stimulus.Option{
		stimulus.WithObserver(observer),
		stimulus.WithFailurePause(config.Duration(cfg.Agent.FailurePause)),
	}
	if cfg.Agent.Workers > 0 {
		opts = append(opts, stimulus.WithSpawner(stimulus.NewPoolSpawner(cfg.Agent.Workers)))
	}
	return opts
}

func newAlerter(cfg *config.Config) *alerting.FanoutDispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

func newManager(cfg *config.Config) *broker.Manager {
	return broker.NewManager(cfg.Broker.URL,
		broker.WithDialer(broker.AMQPDialer{
			Heartbeat:      config.Duration(cfg.Broker.Heartbeat),
			ConnectionName: cfg.Broker.ConnectionName,
		}),
		broker.WithRetryInterval(config.Duration(cfg.Broker.RetryInterval)),
	)
}

func openStore(ctx context.Context, cfg *config.Config) (deadletter.Store, error) {
	switch cfg.DeadLetter.Driver {
	case "", "memory":
		return deadletter.NewMemoryStore(), nil
	case "mysql":
		return deadletter.NewMySQLStore(ctx, cfg.DeadLetter.DSN)
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "不支持的死信存储驱动 %s", cfg.DeadLetter.Driver)
	}
}

func validate(w io.Writer, cmd ValidateCmd) error {
	cfg, err := config.Load(cmd.Config)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Valid: agent %s\n", cfg.Agent.Name)
	fmt.Fprintf(w, "  bindings:    %d\n", len(cfg.Broker.Bindings))
	for _, b := range cfg.Broker.Bindings {
		fmt.Fprintf(w, "    - %s (queue=%s exchanges=%v prefetch=%d)\n", b.Name, b.Queue, b.Exchanges, b.Prefetch)
	}
	fmt.Fprintf(w, "  redelivery:  %s base=%s max=%d\n", cfg.Redelivery.Strategy, cfg.Redelivery.BaseDelay, cfg.Redelivery.MaxRetries)
	fmt.Fprintf(w, "  redis:       %t\n", cfg.Trigger.Redis.Enabled)
	fmt.Fprintf(w, "  dead letter: %s\n", cfg.DeadLetter.Driver)
	return nil
}

func publish(ctx context.Context, cmd PublishCmd) error {
	cfg, err := config.Load(cmd.Config)
	if err != nil {
		return err
	}
	if cfg.Broker.URL == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "broker.url 未配置")
	}
	timeout, err := time.ParseDuration(cmd.Timeout)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "timeout 格式错误")
	}
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	manager := newManager(cfg)
	defer manager.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var headers map[string]any
	if len(cmd.Header) > 0 {
		headers = make(map[string]any, len(cmd.Header))
		for k, v := range cmd.Header {
			headers[k] = v
		}
	}
	return manager.Publish(ctx, cmd.Exchange, cmd.RoutingKey, []byte(cmd.Body), headers)
}

func listDeadLetters(ctx context.Context, w io.Writer, cmd DeadLettersCmd) error {
	cfg, err := config.Load(cmd.Config)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return printDeadLetters(ctx, w, store, cmd.Queue, cmd.Limit)
}

func printDeadLetters(ctx context.Context, w io.Writer, store deadletter.Store, queue string, limit int) error {
	records, err := store.List(ctx, queue, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No dead letters")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tQUEUE\tATTEMPTS\tDELAY\tCREATED")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
			rec.ID,
			rec.Queue,
			rec.Attempts,
			rec.MaxRetries,
			rec.CumulativeDelay,
			time.UnixMilli(rec.CreatedAt).UTC().Format(time.RFC3339),
		)
	}
	return tw.Flush()
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "stimulusd version %s (commit %s, built %s)\n", version, commit, buildTime)
}
