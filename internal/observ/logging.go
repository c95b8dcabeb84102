package observ

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the sinks and level of the process-wide event logger.
// Zero value logs JSON lines to stdout at info level.
type LogConfig struct {
	Level      string // debug, info, warn, error
	FilePath   string // when set, events are also written to a rotated file
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	logMu  sync.RWMutex
	logger = newLogger(zerolog.New(os.Stdout))
)

func newLogger(l zerolog.Logger) zerolog.Logger {
	return l.With().Timestamp().Logger()
}

// InitLogging reconfigures the event logger. Safe to call once at startup
// before any goroutines log.
func InitLogging(cfg LogConfig) {
	zerolog.TimestampFieldName = "ts"
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	writers := []io.Writer{os.Stdout}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    orDefault(cfg.MaxSizeMB, 50),
				MaxBackups: orDefault(cfg.MaxBackups, 5),
				MaxAge:     orDefault(cfg.MaxAgeDays, 14),
				Compress:   true,
			})
		}
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}

	logMu.Lock()
	logger = newLogger(zerolog.New(w).Level(parseLevel(cfg.Level)))
	logMu.Unlock()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Log emits one structured event line with the given fields.
func Log(event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	l.Info().Fields(normalize(kv)).Str("event", event).Msg("")
}

// LogDebug emits an event only when debug logging is enabled.
func LogDebug(event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	l.Debug().Fields(normalize(kv)).Str("event", event).Msg("")
}

// LogError emits an event at error level with the error attached.
func LogError(event string, err error, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	l.Error().Err(err).Fields(normalize(kv)).Str("event", event).Msg("")
}

func normalize(kv map[string]any) map[string]any {
	if kv == nil {
		return map[string]any{}
	}
	return kv
}
