package observability

// NoopLogger discards everything. Used in tests and as the default when a
// component is constructed without a logger.
type NoopLogger struct{}

// NewNoopLogger returns a logger that does nothing.
func NewNoopLogger() Logger { return &NoopLogger{} }

func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Fatal(msg string, fields map[string]interface{}) {}

func (l *NoopLogger) Debugf(format string, args ...interface{}) {}
func (l *NoopLogger) Infof(format string, args ...interface{})  {}

func (l *NoopLogger) WithPrefix(prefix string) Logger { return l }

func (l *NoopLogger) With(fields map[string]interface{}) Logger { return l }
