package utils

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger.go - структурированное логирование на zap
//
// Компоненты получают *zap.Logger через конструктор (Logger.Logger).
// Глобальный логгер нужен только для main и middleware.
//
// Секреты (API secret, подпись) никогда не передаются в поля логов,
// API ключ - только через MaskKey.

// LogConfig параметры логгера
type LogConfig struct {
	Level  string // debug, info, warn, error, fatal
	Format string // json (по умолчанию) или text
	Output string // путь к файлу; пусто = stderr
}

// Logger обёртка над zap с доменными хелперами
type Logger struct {
	*zap.Logger
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// InitLogger создаёт логгер. Ошибка открытия файла - fallback на stderr.
func InitLogger(cfg LogConfig) *Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339Nano),
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "text") || strings.EqualFold(cfg.Format, "console") {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if cfg.Output != "" && cfg.Output != "stderr" {
		if cfg.Output == "stdout" {
			sink = zapcore.Lock(os.Stdout)
		} else if f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			sink = zapcore.AddSync(f)
		}
	}

	core := zapcore.NewCore(encoder, sink, parseLevel(cfg.Level))
	z := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{Logger: z}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// InitGlobalLogger создаёт логгер и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger заменяет глобальный логгер
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// GetGlobalLogger возвращает глобальный логгер, создавая дефолтный при необходимости
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{})
	}
	return globalLogger
}

// L короткий алиас GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// With возвращает дочерний логгер с полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	z := l.Logger.With(fields...)
	return &Logger{Logger: z}
}

func (l *Logger) WithComponent(name string) *Logger { return l.With(Component(name)) }
func (l *Logger) WithExchange(name string) *Logger { return l.With(Exchange(name)) }

// Error пишет в глобальный логгер (ошибки HTTP-слоя без своего логгера)
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Доменные поля

func Exchange(name string) zap.Field { return zap.String("exchange", name) }
func Symbol(s string) zap.Field { return zap.String("symbol", s) }
func SessionID(id string) zap.Field { return zap.String("session_id", id) }
func UserID(id string) zap.Field { return zap.String("user_id", id) }
func OrderID(id string) zap.Field { return zap.String("order_id", id) }
func ClientRequestID(id string) zap.Field { return zap.String("client_request_id", id) }
func Price(p float64) zap.Field { return zap.Float64("price", p) }
func Quantity(q float64) zap.Field { return zap.Float64("quantity", q) }
func Notional(n float64) zap.Field { return zap.Float64("notional", n) }
func Side(s string) zap.Field { return zap.String("side", s) }
func State(s string) zap.Field { return zap.String("state", s) }
func Reason(code string) zap.Field { return zap.String("reason", code) }
func Host(h string) zap.Field { return zap.String("host", h) }
func Latency(d time.Duration) zap.Field { return zap.Float64("latency_ms", float64(d.Microseconds())/1000) }
func RequestID(id string) zap.Field { return zap.String("request_id", id) }
func Component(name string) zap.Field { return zap.String("component", name) }
func APIKey(key string) zap.Field { return zap.String("api_key", MaskKey(key)) }
func Attempt(n int) zap.Field { return zap.Int("attempt", n) }
func Delay(d time.Duration) zap.Field { return zap.Duration("delay", d) }
func Transition(from, to string) zap.Field { return zap.String("transition", from+"->"+to) }

// Переэкспорт базовых конструкторов zap

var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Float64  = zap.Float64
	Bool     = zap.Bool
	Err      = zap.Error
	Any      = zap.Any
	Duration = zap.Duration
)

// MaskKey оставляет первые 4 символа ключа
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
