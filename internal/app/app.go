// Package app — верхний уровень сборки и инициализации моста событий.
// Здесь связываются конфигурация, хранилища, дедупликатор, лимитер,
// очередь, диспетчер ярусов, трекер и цепочка обработки. Отсюда стартует
// цикл приёма событий и обеспечивается корректный shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"eventbridge/internal/adapters/inbox"
	"eventbridge/internal/domain/dedup"
	"eventbridge/internal/domain/fingerprint"
	"eventbridge/internal/domain/handler"
	"eventbridge/internal/domain/queue"
	"eventbridge/internal/domain/tier"
	"eventbridge/internal/domain/tracker"
	"eventbridge/internal/infra/config"
	"eventbridge/internal/infra/fsfallback"
	"eventbridge/internal/infra/logger"
	"eventbridge/internal/infra/ratelimit"
	"eventbridge/internal/infra/retry"
	"eventbridge/internal/transport"
)

// App агрегирует зависимости моста и управляет их связью.
// Отвечает за:
//   - конфигурацию и построение компонентов в порядке зависимостей,
//   - владение хранилищами (SQLite, bbolt, опциональный Redis),
//   - сборку цепочки обработки (трекер → лимитер → дедуп → диспетчер),
//   - запуск Runner, который оркестрирует жизненный цикл и graceful shutdown.
type App struct {
	dedupStore *dedup.Store         // Durable-хранилище записей дедупликации.
	deduper    *dedup.Deduplicator  // Окно дедупликации + фоновая чистка.
	redisCl    *redis.Client        // Опциональный shared-бэкенд лимитера (nil = in-memory).
	limiter    *ratelimit.Limiter   // Глобальный + per-chat token bucket.
	queueStore *queue.Store         // Durable-хранилище persisted_messages.
	queue      *queue.Queue         // Воркеры, sweeper, crash recovery.
	healthDB   *tier.HealthStore    // Снимки здоровья ярусов (bbolt).
	dispatcher *tier.Dispatcher     // Выбор яруса, каскад, пробы.
	track      *tracker.Tracker     // Трассы, агрегаты, алерты.
	chain      *handler.Chain       // Оркестрация одного события.
	sender     transport.Sender     // Транспорт чата (внешний коллаборатор).
	inboxSvc   *inbox.Service       // Приёмный адаптер: spool-каталог → admit.
	runner     *Runner              // Оркестратор жизненного цикла.
	ctx        context.Context      // Внешний контекст приложения (отменяется по сигналам).
	stop       context.CancelFunc   // Инициирует общий shutdown.
}

// NewApp создаёт пустой каркас приложения. Фактическая инициализация
// выполняется в Init().
func NewApp() *App {
	return &App{}
}

// Init связывает компоненты приложения и подготавливает их к запуску:
//  1. открывает хранилища (SQLite для дедупа и очереди, bbolt для здоровья ярусов),
//  2. собирает лимитер с in-memory или Redis-бэкендом,
//  3. конструирует транспорт, ярусы и диспетчер,
//  4. собирает трекер и цепочку обработки,
//  5. подключает приёмный spool-адаптер и конструирует Runner.
//
// Возвращает ошибку, если какой-либо этап не удался.
func (a *App) Init(ctx context.Context, stop context.CancelFunc) error {
	logger.Info("Event bridge initializing...")

	a.ctx = ctx
	a.stop = stop
	env := config.Env()

	// 1) Durable-хранилища. Дедуп и очередь разделяют один SQLite-файл,
	// каждый со своей таблицей и своей версией схемы.
	dedupStore, err := dedup.OpenStore(env.DBFile)
	if err != nil {
		return fmt.Errorf("open dedup store: %w", err)
	}
	a.dedupStore = dedupStore

	queueStore, err := queue.OpenStore(env.DBFile)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	a.queueStore = queueStore

	healthDB, err := tier.OpenHealthStore(env.HealthDBFile)
	if err != nil {
		return fmt.Errorf("open tier health store: %w", err)
	}
	a.healthDB = healthDB

	// 2) Дедупликатор поверх durable-хранилища.
	fpCfg := fingerprint.DefaultConfig()
	fpCfg.SimilarityEnabled = env.SimilarityEnabled
	fpCfg.SimilarityThreshold = env.SimilarityThreshold
	a.deduper = dedup.New(dedupStore, dedup.Config{
		Fingerprint:     fpCfg,
		Window:          time.Duration(env.DedupWindowSec) * time.Second,
		CleanupInterval: time.Duration(env.DedupCleanupSec) * time.Second,
		CacheSizeLimit:  env.DedupCacheSize,
	})

	// 3) Лимитер: Redis-бэкенд для горизонтальных развёртываний, иначе in-memory.
	var backend ratelimit.Backend
	if env.RedisAddr != "" {
		a.redisCl = redis.NewClient(&redis.Options{Addr: env.RedisAddr})
		backend = ratelimit.NewRedisBackend(a.redisCl, env.GlobalRPS, env.PerChatRPS, "")
		logger.Infof("Rate limiter: shared backend at %s", env.RedisAddr)
	} else {
		backend = ratelimit.NewMemoryBackend(env.GlobalRPS, env.PerChatRPS)
	}
	a.limiter = ratelimit.New(backend)

	// 4) Очередь. Воркеры стартуют в Runner.
	a.queue = queue.New(queueStore, queue.Config{
		ChannelSize:             env.QueueChannelSize,
		MaxConcurrentProcessing: env.QueueWorkers,
		MaxRetryCount:           env.QueueMaxRetry,
		SweepInterval:           time.Duration(env.QueueSweepSec) * time.Second,
		BaseRetryDelay:          time.Second,
		MaxRetryDelay:           time.Minute,
	})

	// 5) Транспорт и ярусы доставки.
	a.sender = transport.NewHTTPSender(env.ChatAPIURL, env.ChatAPIToken,
		time.Duration(env.EventTimeoutSec)*time.Second)

	var fallback tier.Sender
	if env.HMACKey != "" {
		fallback = fsfallback.NewWithIntegrity(env.FallbackDir, []byte(env.HMACKey))
	} else {
		fallback = fsfallback.New(env.FallbackDir)
	}

	retryCfg := retryConfigFromEnv(env)
	tiers := []tier.TierConfig{
		{Name: tier.Direct, Enabled: env.Tier1Enabled, Weight: 3,
			Timeout: time.Duration(env.Tier1TimeoutMS) * time.Millisecond, Retry: retryCfg},
		{Name: tier.QueuedInternal, Enabled: env.Tier2Enabled, Weight: 2,
			Timeout: time.Duration(env.Tier2TimeoutMS) * time.Millisecond, Retry: retryCfg},
		{Name: tier.FilesystemFallback, Enabled: env.Tier3Enabled, Weight: 1,
			Timeout: time.Duration(env.Tier3TimeoutMS) * time.Millisecond, Retry: retryCfg},
	}
	senders := map[tier.Name]tier.Sender{
		tier.Direct:             transport.NewDirectAdapter(a.sender),
		tier.QueuedInternal:     transport.NewQueuedAdapter(a.queue, queue.PriorityNormal),
		tier.FilesystemFallback: fallback,
	}

	// 6) Трекер и диспетчер. Диспетчер сообщает трекеру о ретраях и
	// логирует события failover.
	a.track = tracker.New(tracker.Config{
		ActiveLimit:         env.TrackerActiveLimit,
		CompletedRing:       env.TrackerCompletedRing,
		SnapshotMinInterval: time.Second,
		Thresholds:          tracker.DefaultAlertThresholds(),
	})
	a.track.SetQueueDepthFunc(func() int {
		return a.queue.PendingDepth(context.Background())
	})

	a.dispatcher = tier.New(tiers, senders, strategyFromName(env.TierStrategy), healthDB,
		func(ev tier.FailoverEvent) {
			logger.Warnf("tier failover %s -> %s (%s) corr=%s", ev.FromTier, ev.ToTier, ev.Reason, ev.CorrelationID)
		})
	a.dispatcher.SetRetryNotifier(func(corr string, attempt int) {
		a.track.Update(corr, tracker.Retrying(attempt))
	})

	// 7) Цепочка обработки и приёмный адаптер.
	a.chain = handler.New(handler.Config{
		RateWaitTimeout:  time.Duration(env.RateWaitTimeoutMS) * time.Millisecond,
		EventTimeout:     time.Duration(env.EventTimeoutSec) * time.Second,
		SimilarityBypass: env.SimilarityBypass,
	}, a.track, a.limiter, a.deduper, a.dispatcher, a.queue)

	a.inboxSvc = inbox.NewService(inbox.Config{
		Dir:           env.InboxDir,
		PollInterval:  time.Duration(env.InboxPollMS) * time.Millisecond,
		DefaultChatID: env.DefaultChatID,
	}, a.chain)

	// 8) Конструируем Runner, который запустит узлы и обеспечит корректный shutdown.
	a.runner = NewRunner(a.ctx, a.stop, a)

	return nil
}

// Run делегирует запуск основного цикла Runner'у.
func (a *App) Run() error {
	return a.runner.Run()
}

// Chain отдаёт цепочку обработки для встраивающих (in-process emitters,
// webhook-адаптеры вне ядра).
func (a *App) Chain() *handler.Chain { return a.chain }

// Tracker отдаёт трекер для внешней поверхности наблюдаемости.
func (a *App) Tracker() *tracker.Tracker { return a.track }

// close освобождает хранилища после остановки всех узлов.
func (a *App) close() {
	if a.healthDB != nil {
		if err := a.healthDB.Close(); err != nil {
			logger.Errorf("close tier health store: %v", err)
		}
	}
	if a.queueStore != nil {
		if err := a.queueStore.Close(); err != nil {
			logger.Errorf("close queue store: %v", err)
		}
	}
	if a.dedupStore != nil {
		if err := a.dedupStore.Close(); err != nil {
			logger.Errorf("close dedup store: %v", err)
		}
	}
	if a.redisCl != nil {
		if err := a.redisCl.Close(); err != nil {
			logger.Errorf("close redis client: %v", err)
		}
	}
}

// retryConfigFromEnv переводит «ручки» окружения в конфиг ретраев.
func retryConfigFromEnv(env config.EnvConfig) retry.Config {
	return retry.Config{
		InitialInterval:  time.Duration(env.RetryInitialMS) * time.Millisecond,
		Factor:           env.RetryFactor,
		MaxInterval:      time.Duration(env.RetryMaxMS) * time.Millisecond,
		JitterRange:      env.RetryJitter,
		MaxAttempts:      env.RetryMaxAttempts,
		FailureThreshold: uint32(env.BreakerFailures),
		FailureWindow:    time.Duration(env.BreakerWindowSec) * time.Second,
		RecoveryTimeout:  time.Duration(env.BreakerRecoverySec) * time.Second,
		SuccessThreshold: uint32(env.BreakerSuccesses),
	}
}

// strategyFromName сопоставляет имя стратегии из конфигурации с реализацией.
func strategyFromName(name string) tier.Strategy {
	switch name {
	case "round-robin":
		return tier.RoundRobin()
	case "weighted":
		return tier.WeightedRoundRobin()
	case "least-connections":
		return tier.LeastConnections()
	case "adaptive":
		return tier.Adaptive()
	default:
		return tier.PerformanceBased()
	}
}
