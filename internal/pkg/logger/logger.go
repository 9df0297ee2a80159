package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// ParseLevel maps a config string ("debug", "info", ...) to a Level.
// Unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// sink is the output shared by a logger and every child derived from it.
type sink struct {
	mu        sync.Mutex
	level     Level
	redactPII bool
	out       io.Writer
}

// Logger writes one JSON object per entry. Fields bound with With are
// included in every entry the logger emits.
type Logger struct {
	sink   *sink
	fields []interface{}
}

var defaultLogger = &Logger{sink: &sink{level: INFO, redactPII: true, out: os.Stderr}}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) {
	defaultLogger.sink.mu.Lock()
	defaultLogger.sink.level = l
	defaultLogger.sink.mu.Unlock()
}

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) {
	defaultLogger.sink.mu.Lock()
	defaultLogger.sink.redactPII = r
	defaultLogger.sink.mu.Unlock()
}

// SetOutput redirects the default logger, mainly for tests.
func SetOutput(w io.Writer) {
	defaultLogger.sink.mu.Lock()
	defaultLogger.sink.out = w
	defaultLogger.sink.mu.Unlock()
}

// With returns a child of the default logger carrying the given key-value pairs.
func With(fields ...interface{}) *Logger { return defaultLogger.With(fields...) }

// With returns a child logger carrying l's fields plus the given ones.
func (l *Logger) With(fields ...interface{}) *Logger {
	bound := make([]interface{}, 0, len(l.fields)+len(fields))
	bound = append(bound, l.fields...)
	bound = append(bound, fields...)
	return &Logger{sink: l.sink, fields: bound}
}

func Debug(msg string, fields ...interface{}) { defaultLogger.log(DEBUG, msg, fields) }
func Info(msg string, fields ...interface{})  { defaultLogger.log(INFO, msg, fields) }
func Warn(msg string, fields ...interface{})  { defaultLogger.log(WARN, msg, fields) }
func Error(msg string, fields ...interface{}) { defaultLogger.log(ERROR, msg, fields) }

func (l *Logger) Debug(msg string, fields ...interface{}) { l.log(DEBUG, msg, fields) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.log(INFO, msg, fields) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.log(WARN, msg, fields) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.log(ERROR, msg, fields) }

func (l *Logger) log(level Level, msg string, fields []interface{}) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}

	entry := make(map[string]interface{}, 3+(len(l.fields)+len(fields))/2)
	s.collect(entry, l.fields)
	s.collect(entry, fields)
	entry["time"] = time.Now().UTC().Format(time.RFC3339)
	entry["level"] = levelNames[level]
	entry["msg"] = msg

	data, err := json.Marshal(entry)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"level": levelNames[level], "msg": msg, "log_error": err.Error()})
	}
	fmt.Fprintln(s.out, string(data))
}

// collect copies key-value pairs into entry. A trailing key without a value
// is dropped.
func (s *sink) collect(entry map[string]interface{}, fields []interface{}) {
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprint(fields[i])
		entry[key] = s.value(key, fields[i+1])
	}
}

// value keeps numbers and bools as JSON scalars; everything else is
// rendered as a string and passes through redaction.
func (s *sink) value(key string, v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case time.Duration:
		return x.String()
	case error:
		return s.redact(key, x.Error())
	default:
		return s.redact(key, fmt.Sprint(x))
	}
}

func (s *sink) redact(key, val string) string {
	if !s.redactPII {
		return val
	}
	return redactPIIValue(key, val)
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	// distinct ids are frequently the user's email or device id
	if strings.Contains(key, "distinct_id") || strings.Contains(key, "email") {
		return RedactID(val)
	}
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
