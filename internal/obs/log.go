package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Log levels understood by LogEvent.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	writeEntry(entry)
}

// LogEvent emits a JSON line with ts, level and msg plus the given fields.
// Fields never override the three envelope keys.
func LogEvent(level, msg string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["msg"] = msg
	writeEntry(entry)
}

// Warn is shorthand for LogEvent(LevelWarn, ...).
func Warn(msg string, fields map[string]any) { LogEvent(LevelWarn, msg, fields) }

// Info is shorthand for LogEvent(LevelInfo, ...).
func Info(msg string, fields map[string]any) { LogEvent(LevelInfo, msg, fields) }

func writeEntry(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
