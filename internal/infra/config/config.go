// Пакет config отвечает за сбор и предоставление конфигурации всего приложения
// (моста событий). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. предоставляет потокобезопасный доступ к результатам.
//
// Бизнес-контекст: мост принимает структурированные события от внешних
// продюсеров и доставляет их как сообщения чата с целевой надёжностью.
// Конфиг среды управляет окном дедупликации, скоростными лимитами,
// параметрами ретраев и circuit breaker, таймаутами ярусов доставки,
// очередью, трекером и прочими «ручками».
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это
// «операционные» настройки запуска: адрес транспорта чата, пути к
// хранилищам, лимиты и таймауты конвейера доставки.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	LogLevel string

	// Транспорт чата (внешний коллаборатор).
	ChatAPIURL    string
	ChatAPIToken  string
	DefaultChatID string

	// Хранилища.
	DBFile       string
	HealthDBFile string
	FallbackDir  string
	InboxDir     string
	InboxPollMS  int

	// Дедупликация.
	DedupWindowSec      int
	DedupCacheSize      int
	DedupCleanupSec     int
	SimilarityEnabled   bool
	SimilarityThreshold float64
	SimilarityBypass    bool

	// Ограничение скорости.
	GlobalRPS         int
	PerChatRPS        int
	RateWaitTimeoutMS int
	RedisAddr         string // пусто = in-memory бэкенд

	// Ретраи и circuit breaker.
	RetryInitialMS     int
	RetryFactor        float64
	RetryMaxMS         int
	RetryJitter        float64
	RetryMaxAttempts   int
	BreakerFailures    int
	BreakerWindowSec   int
	BreakerRecoverySec int
	BreakerSuccesses   int

	// Ярусы доставки.
	Tier1TimeoutMS int
	Tier2TimeoutMS int
	Tier3TimeoutMS int
	Tier1Enabled   bool
	Tier2Enabled   bool
	Tier3Enabled   bool
	TierStrategy   string
	HealthCheckSec int

	// Очередь.
	QueueChannelSize int
	QueueWorkers     int
	QueueMaxRetry    int
	QueueSweepSec    int

	// Трекер и обработчик.
	TrackerActiveLimit   int
	TrackerCompletedRing int
	EventTimeoutSec      int

	// Наблюдаемость и целостность артефактов.
	HMACKey      string
	HealthPort   int
	MetricsToken string

	// Авто-остановка процесса через N секунд (0 = выключено).
	AutoShutdownSec int
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: Warnings берёт RLock, Env читает без блокировки;
// конфигурация после Load неизменяема, геттеры возвращают снимки.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения и связанных файлов.
const (
	defaultLogLevel     = "info"
	defaultDBFile       = "data/bridge.db"
	defaultHealthDBFile = "data/tier_health.bbolt"
	defaultFallbackDir  = "data/fallback"
	defaultInboxDir     = "data/inbox"
	defaultInboxPollMS  = 1000

	defaultDedupWindowSec      = 60
	defaultDedupCacheSize      = 10000
	defaultDedupCleanupSec     = 60
	defaultSimilarityThreshold = 0.8

	defaultGlobalRPS         = 30
	defaultPerChatRPS        = 1
	defaultRateWaitTimeoutMS = 5000

	defaultRetryInitialMS     = 1000
	defaultRetryFactor        = 2.0
	defaultRetryMaxMS         = 30000
	defaultRetryJitter        = 0.10
	defaultRetryMaxAttempts   = 5
	defaultBreakerFailures    = 5
	defaultBreakerWindowSec   = 60
	defaultBreakerRecoverySec = 30
	defaultBreakerSuccesses   = 2

	defaultTier1TimeoutMS = 100
	defaultTier2TimeoutMS = 500
	defaultTier3TimeoutMS = 5000
	defaultTierStrategy   = "performance"
	defaultHealthCheckSec = 30

	defaultQueueChannelSize = 1024
	defaultQueueWorkers     = 8
	defaultQueueMaxRetry    = 5
	defaultQueueSweepSec    = 5

	defaultTrackerActiveLimit   = 1000
	defaultTrackerCompletedRing = 100
	defaultEventTimeoutSec      = 10
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации всего приложения.
// При первом вызове читает .env, формирует EnvConfig и фиксирует результат
// в singleton cfgInstance. Повторный вызов запрещен (возвращается ошибка),
// чтобы избежать гонок конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	var warnings []string

	// .env может отсутствовать (всё задано окружением процесса) — это не
	// фатально, но предупреждение оставляем.
	if err := godotenv.Load(envPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
		appendWarningf(&warnings, ".env file %q not found; using process environment only", envPath)
	}

	chatAPIURL := strings.TrimSpace(os.Getenv("BRIDGE_CHAT_API_URL"))
	if chatAPIURL == "" {
		return nil, errors.New("env BRIDGE_CHAT_API_URL must be set")
	}

	env := EnvConfig{
		LogLevel: sanitizeLogLevel(os.Getenv("LOG_LEVEL"), &warnings),

		ChatAPIURL:    chatAPIURL,
		ChatAPIToken:  strings.TrimSpace(os.Getenv("BRIDGE_CHAT_API_TOKEN")),
		DefaultChatID: strings.TrimSpace(os.Getenv("BRIDGE_DEFAULT_CHAT_ID")),

		DBFile:       sanitizeFile("BRIDGE_DB_FILE", os.Getenv("BRIDGE_DB_FILE"), defaultDBFile, &warnings),
		HealthDBFile: sanitizeFile("BRIDGE_HEALTH_DB_FILE", os.Getenv("BRIDGE_HEALTH_DB_FILE"), defaultHealthDBFile, &warnings),
		FallbackDir:  sanitizeFile("BRIDGE_FALLBACK_DIR", os.Getenv("BRIDGE_FALLBACK_DIR"), defaultFallbackDir, &warnings),
		InboxDir:     sanitizeFile("BRIDGE_INBOX_DIR", os.Getenv("BRIDGE_INBOX_DIR"), defaultInboxDir, &warnings),
		InboxPollMS:  parseIntDefault("BRIDGE_INBOX_POLL_MS", defaultInboxPollMS, greaterThanZero, &warnings),

		DedupWindowSec:      parseIntDefault("BRIDGE_DEDUP_WINDOW_SEC", defaultDedupWindowSec, greaterThanZero, &warnings),
		DedupCacheSize:      parseIntDefault("BRIDGE_DEDUP_CACHE_SIZE", defaultDedupCacheSize, greaterThanZero, &warnings),
		DedupCleanupSec:     parseIntDefault("BRIDGE_DEDUP_CLEANUP_SEC", defaultDedupCleanupSec, greaterThanZero, &warnings),
		SimilarityEnabled:   parseBoolDefault("BRIDGE_SIMILARITY_ENABLED", true, &warnings),
		SimilarityThreshold: parseFloatDefault("BRIDGE_SIMILARITY_THRESHOLD", defaultSimilarityThreshold, unitInterval, &warnings),
		SimilarityBypass:    parseBoolDefault("BRIDGE_SIMILARITY_BYPASS", false, &warnings),

		GlobalRPS:         parseIntDefault("BRIDGE_GLOBAL_RPS", defaultGlobalRPS, greaterThanZero, &warnings),
		PerChatRPS:        parseIntDefault("BRIDGE_PER_CHAT_RPS", defaultPerChatRPS, greaterThanZero, &warnings),
		RateWaitTimeoutMS: parseIntDefault("BRIDGE_RATE_WAIT_TIMEOUT_MS", defaultRateWaitTimeoutMS, greaterThanZero, &warnings),
		RedisAddr:         strings.TrimSpace(os.Getenv("BRIDGE_REDIS_ADDR")),

		RetryInitialMS:     parseIntDefault("BRIDGE_RETRY_INITIAL_MS", defaultRetryInitialMS, greaterThanZero, &warnings),
		RetryFactor:        parseFloatDefault("BRIDGE_RETRY_FACTOR", defaultRetryFactor, greaterThanOneF, &warnings),
		RetryMaxMS:         parseIntDefault("BRIDGE_RETRY_MAX_MS", defaultRetryMaxMS, greaterThanZero, &warnings),
		RetryJitter:        parseFloatDefault("BRIDGE_RETRY_JITTER", defaultRetryJitter, unitInterval, &warnings),
		RetryMaxAttempts:   parseIntDefault("BRIDGE_RETRY_MAX_ATTEMPTS", defaultRetryMaxAttempts, nonNegative, &warnings),
		BreakerFailures:    parseIntDefault("BRIDGE_BREAKER_FAILURES", defaultBreakerFailures, greaterThanZero, &warnings),
		BreakerWindowSec:   parseIntDefault("BRIDGE_BREAKER_WINDOW_SEC", defaultBreakerWindowSec, greaterThanZero, &warnings),
		BreakerRecoverySec: parseIntDefault("BRIDGE_BREAKER_RECOVERY_SEC", defaultBreakerRecoverySec, greaterThanZero, &warnings),
		BreakerSuccesses:   parseIntDefault("BRIDGE_BREAKER_SUCCESSES", defaultBreakerSuccesses, greaterThanZero, &warnings),

		Tier1TimeoutMS: parseIntDefault("BRIDGE_TIER1_TIMEOUT_MS", defaultTier1TimeoutMS, greaterThanZero, &warnings),
		Tier2TimeoutMS: parseIntDefault("BRIDGE_TIER2_TIMEOUT_MS", defaultTier2TimeoutMS, greaterThanZero, &warnings),
		Tier3TimeoutMS: parseIntDefault("BRIDGE_TIER3_TIMEOUT_MS", defaultTier3TimeoutMS, greaterThanZero, &warnings),
		Tier1Enabled:   parseBoolDefault("BRIDGE_TIER1_ENABLED", true, &warnings),
		Tier2Enabled:   parseBoolDefault("BRIDGE_TIER2_ENABLED", true, &warnings),
		Tier3Enabled:   parseBoolDefault("BRIDGE_TIER3_ENABLED", true, &warnings),
		TierStrategy:   sanitizeStrategy(os.Getenv("BRIDGE_TIER_STRATEGY"), &warnings),
		HealthCheckSec: parseIntDefault("BRIDGE_HEALTH_CHECK_SEC", defaultHealthCheckSec, greaterThanZero, &warnings),

		QueueChannelSize: parseIntDefault("BRIDGE_QUEUE_CHANNEL_SIZE", defaultQueueChannelSize, greaterThanZero, &warnings),
		QueueWorkers:     parseIntDefault("BRIDGE_QUEUE_WORKERS", defaultQueueWorkers, greaterThanZero, &warnings),
		QueueMaxRetry:    parseIntDefault("BRIDGE_QUEUE_MAX_RETRY", defaultQueueMaxRetry, nonNegative, &warnings),
		QueueSweepSec:    parseIntDefault("BRIDGE_QUEUE_SWEEP_SEC", defaultQueueSweepSec, greaterThanZero, &warnings),

		TrackerActiveLimit:   parseIntDefault("BRIDGE_TRACKER_ACTIVE_LIMIT", defaultTrackerActiveLimit, greaterThanZero, &warnings),
		TrackerCompletedRing: parseIntDefault("BRIDGE_TRACKER_COMPLETED_RING", defaultTrackerCompletedRing, greaterThanZero, &warnings),
		EventTimeoutSec:      parseIntDefault("BRIDGE_EVENT_TIMEOUT_SEC", defaultEventTimeoutSec, greaterThanZero, &warnings),

		HMACKey:      strings.TrimSpace(os.Getenv("BRIDGE_HMAC_KEY")),
		HealthPort:   parseIntDefault("BRIDGE_HEALTH_PORT", 0, nonNegative, &warnings),
		MetricsToken: strings.TrimSpace(os.Getenv("BRIDGE_METRICS_TOKEN")),

		AutoShutdownSec: parseIntDefault("BRIDGE_AUTO_SHUTDOWN_SEC", 0, nonNegative, &warnings),
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки; Load выполняется один раз, повторный вызов возвращает ошибку.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseFloatDefault — аналог parseIntDefault для чисел с плавающей точкой.
func parseFloatDefault(name string, defaultVal float64, validator func(float64) bool, warnings *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid number; using default %g", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %g does not satisfy constraints; using default %g", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault принимает true/false/1/0/yes/no без учёта регистра.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if value == "" {
		return defaultVal
	}
	switch value {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// Простые валидаторы чисел: навязывают смысловые ограничения без падения приложения.
func greaterThanZero(v int) bool     { return v > 0 }
func nonNegative(v int) bool         { return v >= 0 }
func greaterThanOneF(v float64) bool { return v >= 1 }
func unitInterval(v float64) bool    { return v >= 0 && v <= 1 }

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultLogLevel.
func sanitizeLogLevel(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultLogLevel
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultLogLevel)
		return defaultLogLevel
	}
}

// sanitizeStrategy ограничивает стратегию выбора яруса закрытым набором.
func sanitizeStrategy(value string, warnings *[]string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return defaultTierStrategy
	}
	switch v {
	case "round-robin", "weighted", "least-connections", "performance", "adaptive":
		return v
	default:
		appendWarningf(warnings, "env BRIDGE_TIER_STRATEGY value %q is invalid; using default %q", value, defaultTierStrategy)
		return defaultTierStrategy
	}
}

// sanitizeFile возвращает валидное имя файла/каталога конфигурации. Если
// переменная не задана, подставляет fallback.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	if strings.ContainsRune(v, '\x00') {
		appendWarningf(warnings, "env %s value %q is not a valid path; using default %q", name, value, fallback)
		return fallback
	}
	return v
}
