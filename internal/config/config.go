package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Security SecurityConfig
	Engine   EngineConfig
	Exchange ExchangeConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port     int
	Host     string
	UseHTTPS bool
	CertFile string
	KeyFile  string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// RedisConfig - зеркало heartbeat и блокировки восстановления.
// Пустой Addr отключает Redis: блокировку обеспечивает только CAS в БД.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	EncryptionKey string // 32 байта, AES-256 для API ключей
	APITokenHash  string // bcrypt хеш bearer токена, пусто = без авторизации
	CORSOrigins   []string
}

// EngineConfig - настройки планировщика сессий
type EngineConfig struct {
	LoopInterval      time.Duration // интервал цикла сессии по умолчанию
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration // heartbeat старше - сессия считается брошенной
	StopTimeout       time.Duration // ожидание завершения задачи при stop
	SnapshotInterval  time.Duration // обновление снимка счёта
	RecoverOnStart    bool
	AlertBuffer       int
}

// ExchangeConfig - настройки доступа к бирже
type ExchangeConfig struct {
	Name            string
	Candidates      []string // base URL с префиксом версии: https://api.poloniex.com/v3
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	AttemptTimeout  time.Duration
	RateLimit       float64 // запросов в секунду на хост
	RateBurst       int
	CatalogRefresh  time.Duration
	RequireHealthOK bool // не запускать движок если биржа недоступна
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения (и .env если есть)
func Load() (*Config, error) {
	// .env необязателен: в контейнере переменные приходят из окружения
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnvAsInt("SERVER_PORT", 8080),
			Host:     getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS: getEnvAsBool("USE_HTTPS", false),
			CertFile: getEnv("CERT_FILE", ""),
			KeyFile:  getEnv("KEY_FILE", ""),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "postgres"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			Name:            getEnv("DB_NAME", "autotrader"),
			User:            getEnv("DB_USER", "user"),
			Password:        getEnv("DB_PASSWORD", "password"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			AutoMigrate:     getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
			APITokenHash:  getEnv("API_TOKEN_HASH", ""),
			CORSOrigins:   getEnvAsList("CORS_ORIGINS", nil),
		},
		Engine: EngineConfig{
			LoopInterval:      getEnvAsDuration("ENGINE_LOOP_INTERVAL", 5*time.Second),
			HeartbeatInterval: getEnvAsDuration("ENGINE_HEARTBEAT_INTERVAL", 10*time.Second),
			StaleThreshold:    getEnvAsDuration("ENGINE_STALE_THRESHOLD", 2*time.Minute),
			StopTimeout:       getEnvAsDuration("ENGINE_STOP_TIMEOUT", 10*time.Second),
			SnapshotInterval:  getEnvAsDuration("ENGINE_SNAPSHOT_INTERVAL", 15*time.Second),
			RecoverOnStart:    getEnvAsBool("ENGINE_RECOVER_ON_START", true),
			AlertBuffer:       getEnvAsInt("ENGINE_ALERT_BUFFER", 256),
		},
		Exchange: ExchangeConfig{
			Name:            strings.ToLower(getEnv("EXCHANGE_NAME", "poloniex")),
			Candidates:      getEnvAsList("EXCHANGE_CANDIDATES", nil),
			MaxAttempts:     getEnvAsInt("EXCHANGE_MAX_ATTEMPTS", 4),
			BackoffBase:     getEnvAsDuration("EXCHANGE_BACKOFF_BASE", 200*time.Millisecond),
			BackoffMax:      getEnvAsDuration("EXCHANGE_BACKOFF_MAX", 5*time.Second),
			AttemptTimeout:  getEnvAsDuration("EXCHANGE_ATTEMPT_TIMEOUT", 10*time.Second),
			RateLimit:       getEnvAsFloat("EXCHANGE_RATE_LIMIT", 10),
			RateBurst:       getEnvAsInt("EXCHANGE_RATE_BURST", 5),
			CatalogRefresh:  getEnvAsDuration("EXCHANGE_CATALOG_REFRESH", time.Hour),
			RequireHealthOK: getEnvAsBool("EXCHANGE_REQUIRE_HEALTHY", false),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет конфигурацию при старте
func (c *Config) Validate() error {
	if err := c.validateSecurity(); err != nil {
		return err
	}
	return c.validateRanges()
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// ENCRYPTION_KEY обязателен для шифрования API ключей бирж
	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required for encrypting API keys")
	}

	if len(c.Security.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}

	if h := c.Security.APITokenHash; h != "" && !strings.HasPrefix(h, "$2") {
		return fmt.Errorf("API_TOKEN_HASH must be a bcrypt hash")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	// Валидация портов
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	e := c.Engine
	if e.LoopInterval < 100*time.Millisecond {
		return fmt.Errorf("ENGINE_LOOP_INTERVAL must be at least 100ms, got %v", e.LoopInterval)
	}
	if e.HeartbeatInterval <= 0 {
		return fmt.Errorf("ENGINE_HEARTBEAT_INTERVAL must be positive, got %v", e.HeartbeatInterval)
	}
	// сессия с живым heartbeat не должна выглядеть брошенной
	if e.StaleThreshold <= 2*e.HeartbeatInterval {
		return fmt.Errorf("ENGINE_STALE_THRESHOLD (%v) must exceed twice ENGINE_HEARTBEAT_INTERVAL (%v)",
			e.StaleThreshold, e.HeartbeatInterval)
	}
	if e.StopTimeout <= 0 {
		return fmt.Errorf("ENGINE_STOP_TIMEOUT must be positive, got %v", e.StopTimeout)
	}
	if e.SnapshotInterval <= 0 {
		return fmt.Errorf("ENGINE_SNAPSHOT_INTERVAL must be positive, got %v", e.SnapshotInterval)
	}
	if e.AlertBuffer < 1 {
		return fmt.Errorf("ENGINE_ALERT_BUFFER must be positive, got %d", e.AlertBuffer)
	}

	x := c.Exchange
	if x.Name == "" {
		return fmt.Errorf("EXCHANGE_NAME is required")
	}
	if x.MaxAttempts < 1 || x.MaxAttempts > 10 {
		return fmt.Errorf("EXCHANGE_MAX_ATTEMPTS must be between 1 and 10, got %d", x.MaxAttempts)
	}
	if x.BackoffBase <= 0 || x.BackoffMax < x.BackoffBase {
		return fmt.Errorf("EXCHANGE_BACKOFF_BASE/MAX invalid: %v / %v", x.BackoffBase, x.BackoffMax)
	}
	if x.AttemptTimeout <= 0 {
		return fmt.Errorf("EXCHANGE_ATTEMPT_TIMEOUT must be positive, got %v", x.AttemptTimeout)
	}
	if x.RateLimit < 0 {
		return fmt.Errorf("EXCHANGE_RATE_LIMIT cannot be negative, got %v", x.RateLimit)
	}
	if x.CatalogRefresh < time.Minute {
		return fmt.Errorf("EXCHANGE_CATALOG_REFRESH must be at least 1m, got %v", x.CatalogRefresh)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList список через запятую, пустые элементы отбрасываются
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
