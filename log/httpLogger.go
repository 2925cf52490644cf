package log

import (
	"github.com/hashicorp/go-retryablehttp"
)

var _ retryablehttp.LeveledLogger = retryableHTTPLogger{}

// retryableHTTPLogger only surfaces errors and retry warnings; the per-attempt
// request/response chatter from retryablehttp is dropped.
type retryableHTTPLogger struct {
}

func NewRetryableHTTPLogger() retryablehttp.LeveledLogger {
	return retryableHTTPLogger{}
}

func (r retryableHTTPLogger) Error(msg string, keysAndValues ...interface{}) {
	LogNoRequestID(msg, keysAndValues...)
}

func (r retryableHTTPLogger) Warn(msg string, keysAndValues ...interface{}) {
	LogNoRequestID(msg, keysAndValues...)
}

func (r retryableHTTPLogger) Info(msg string, keysAndValues ...interface{}) {
}

func (r retryableHTTPLogger) Debug(msg string, keysAndValues ...interface{}) {
}
