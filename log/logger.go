package log

import (
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/patrickmn/go-cache"
)

var loggerCache *cache.Cache
var default_logger_cache_expiry = 6 * time.Hour

// Swappable in tests so log output can be asserted on
var logDestination io.Writer = os.Stderr

func init() {
	loggerCache = cache.New(default_logger_cache_expiry, 10*time.Minute)
}

// Permanently add context to the logger. Any future logging for this Request ID will include this context
func AddContext(requestID string, keyvals ...interface{}) {
	_ = loggerCache.Add(requestID, kitlog.With(getLogger(requestID), redactKeyvals(keyvals...)...), default_logger_cache_expiry)
}

func Log(requestID string, message string, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(requestID), "msg", message).Log(redactKeyvals(keyvals...)...)
}

// Log in situations where we don't have access to the Request ID.
// Should be used sparingly and with as much context inserted into the message as possible
func LogNoRequestID(message string, keyvals ...interface{}) {
	_ = kitlog.With(newLogger(), "msg", message).Log(redactKeyvals(keyvals...)...)
}

func LogError(requestID string, message string, err error, keyvals ...interface{}) {
	msgLogger := kitlog.With(getLogger(requestID), "msg", message)
	errLogger := kitlog.With(msgLogger, "err", RedactURL(err.Error()))
	_ = errLogger.Log(redactKeyvals(keyvals...)...)
}

func getLogger(requestID string) kitlog.Logger {
	logger, found := loggerCache.Get(requestID)
	if found {
		return logger.(kitlog.Logger)
	}

	newLogger := kitlog.With(newLogger(), "request_id", requestID)
	err := loggerCache.Add(requestID, newLogger, default_logger_cache_expiry)
	if err != nil {
		_ = newLogger.Log("msg", "error adding logger to cache", "request_id", requestID)
	}
	return newLogger
}

func newLogger() kitlog.Logger {
	newLogger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(logDestination))
	return kitlog.With(newLogger, "ts", kitlog.DefaultTimestampUTC)
}

func redactKeyvals(keyvals ...interface{}) []interface{} {
	out := make([]interface{}, 0, len(keyvals))
	for i, kv := range keyvals {
		if i%2 == 1 {
			if s, ok := kv.(string); ok {
				out = append(out, RedactURL(s))
				continue
			}
		}
		out = append(out, kv)
	}
	return out
}

// RedactURL hides the secret-key part of object store and presigned URLs so
// they are safe to log.
func RedactURL(str string) string {
	if !strings.HasPrefix(str, "s3") && !strings.HasPrefix(str, "http") {
		return str
	}
	u, err := url.Parse(str)
	if err != nil {
		return "REDACTED"
	}
	return u.Redacted()
}

// RedactLogs applies RedactURL to each delimiter-separated piece of str,
// e.g. to multi-line subprocess output.
func RedactLogs(str, delimiter string) string {
	strs := strings.Split(str, delimiter)
	for i, s := range strs {
		strs[i] = RedactURL(s)
	}
	return strings.Join(strs, delimiter)
}
