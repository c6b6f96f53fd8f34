// Package app реализует верхний уровень управления жизненным циклом моста.
// Файл runner.go — точка оркестрации: здесь узлы конвейера регистрируются в
// lifecycle.Manager, стартуют в порядке зависимостей и гасятся в обратном
// порядке. Бизнес-назначение: гарантировать, что durable-очередь и
// дедупликатор успевают дописать состояние до закрытия хранилищ, а приём
// новых событий прекращается раньше, чем останавливаются воркеры доставки.
package app

import (
	"context"
	"time"

	"eventbridge/internal/infra/concurrency"
	"eventbridge/internal/infra/config"
	"eventbridge/internal/infra/lifecycle"
	"eventbridge/internal/infra/logger"
	"eventbridge/internal/transport"
)

// Runner инкапсулирует сценарий запуска и остановки узлов моста.
// Отвечает за:
//   - регистрацию узлов (sweeper дедупа, воркеры очереди, пробы ярусов, inbox),
//   - линейный запуск в правильном порядке с учётом зависимостей,
//   - корректное завершение: сначала перестаём принимать, потом доставляем хвост,
//   - закрытие хранилищ после остановки всех узлов.
type Runner struct {
	app        *App
	mainCtx    context.Context    // Внешний контекст процесса: отменяется по Ctrl+C/сигналам.
	mainCancel context.CancelFunc // Функция, инициирующая общий shutdown.
}

// queueDrainTimeout ограничивает ожидание in-flight доставки при остановке
// воркеров очереди.
const queueDrainTimeout = 10 * time.Second

// NewRunner подготавливает Runner с собранным приложением. Возвращает
// объект, готовый к запуску Run().
func NewRunner(mainCtx context.Context, mainCancel context.CancelFunc, app *App) *Runner {
	return &Runner{
		app:        app,
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Run — главный цикл моста. Регистрирует узлы, запускает их и блокируется
// до отмены внешнего контекста, после чего останавливает всё в обратном
// порядке и закрывает хранилища.
func (r *Runner) Run() error {
	mgr := lifecycle.New(r.mainCtx)
	env := config.Env()

	// Фоновая чистка окна дедупликации.
	if err := mgr.Register("dedup_sweeper", "", nil,
		func(ctx context.Context) (context.Context, error) {
			r.app.deduper.Start(ctx)
			return nil, nil
		},
		func(ctx context.Context) error {
			r.app.deduper.Stop()
			return nil
		},
	); err != nil {
		return err
	}

	// Воркеры и sweeper очереди; здесь же выполняется crash recovery.
	if err := mgr.Register("queue_workers", "", nil,
		func(ctx context.Context) (context.Context, error) {
			r.app.queue.Start(ctx, transport.NewQueueProcessor(r.app.sender))
			return nil, nil
		},
		func(ctx context.Context) error {
			drainCtx, cancel := context.WithTimeout(context.Background(), queueDrainTimeout)
			defer cancel()
			return r.app.queue.Close(drainCtx)
		},
	); err != nil {
		return err
	}

	// Фоновые пробы здоровья ярусов.
	if err := mgr.Register("tier_probes", "", nil,
		func(ctx context.Context) (context.Context, error) {
			r.app.dispatcher.StartProbing(ctx, time.Duration(env.HealthCheckSec)*time.Second)
			return nil, nil
		},
		nil,
	); err != nil {
		return err
	}

	// Приёмный spool-адаптер стартует последним: к моменту первого admit
	// вся цепочка доставки уже работает.
	if err := mgr.Register("inbox", "", []string{"dedup_sweeper", "queue_workers", "tier_probes"},
		func(ctx context.Context) (context.Context, error) {
			r.app.inboxSvc.Start(ctx)
			return nil, nil
		},
		func(ctx context.Context) error {
			r.app.inboxSvc.Stop()
			return nil
		},
	); err != nil {
		return err
	}

	if err := mgr.StartAll(); err != nil {
		logger.Errorf("startup failed, shutting down: %v", err)
		_ = mgr.Shutdown()
		r.app.close()
		return err
	}

	// Авто-остановка для ограниченных по времени запусков (0 = выключено).
	if err := concurrency.StartTimeoutTimer(r.mainCtx, env.AutoShutdownSec, r.mainCancel); err != nil {
		logger.Warnf("auto-shutdown timer: %v", err)
	}

	logger.Info("Event bridge running...")
	<-r.mainCtx.Done()
	logger.Debug("Shutdown signal received, stopping runner...")

	err := mgr.Shutdown()
	r.app.close()
	if err != nil {
		return err
	}
	logger.Info("Event bridge stopped")
	return nil
}
