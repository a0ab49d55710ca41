package polymongo

import (
	"fmt"
	"time"

	"github.com/cloudresty/emit"
)

// emitLogger is the default Logger implementation, backed by
// cloudresty/emit the same way the teacher's examples/custom-logger-emit
// adapts emit to a pluggable logging interface.
type emitLogger struct{}

func newEmitLogger() Logger {
	return emitLogger{}
}

func (emitLogger) Info(msg string, fields ...any) {
	logWithEmitFields(emit.Info.StructuredFields, emit.Info.Msg, msg, fields...)
}

func (emitLogger) Warn(msg string, fields ...any) {
	logWithEmitFields(emit.Warn.StructuredFields, emit.Warn.Msg, msg, fields...)
}

func (emitLogger) Error(msg string, fields ...any) {
	logWithEmitFields(emit.Error.StructuredFields, emit.Error.Msg, msg, fields...)
}

func (emitLogger) Debug(msg string, fields ...any) {
	logWithEmitFields(emit.Debug.StructuredFields, emit.Debug.Msg, msg, fields...)
}

// logWithEmitFields converts a flat key/value varargs slice into emit's
// typed ZField values.
func logWithEmitFields(structuredLogger func(string, ...emit.ZField), msgLogger func(string), msg string, fields ...any) {
	if len(fields) == 0 {
		msgLogger(msg)
		return
	}

	emitFields := make([]emit.ZField, 0, len(fields)/2)
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}

		switch v := fields[i+1].(type) {
		case string:
			emitFields = append(emitFields, emit.ZString(key, v))
		case int:
			emitFields = append(emitFields, emit.ZInt(key, v))
		case int64:
			emitFields = append(emitFields, emit.ZInt64(key, v))
		case time.Duration:
			emitFields = append(emitFields, emit.ZDuration(key, v))
		case bool:
			emitFields = append(emitFields, emit.ZBool(key, v))
		case error:
			emitFields = append(emitFields, emit.ZString(key, v.Error()))
		default:
			emitFields = append(emitFields, emit.ZString(key, fmt.Sprintf("%v", v)))
		}
	}

	structuredLogger(msg, emitFields...)
}
