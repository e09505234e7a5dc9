package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// Censor replaces the value of any redacted field.
const Censor = "[REDACTED]"

// redactedKeys holds lowercase field keys whose values must never reach
// an encoder. encryptedData and serviceAccountJson cover the credential
// vault payloads.
var redactedKeys = map[string]struct{}{
	"password":             {},
	"token":                {},
	"apikey":               {},
	"api_key":              {},
	"authorization":        {},
	"cookie":               {},
	"encrypteddata":        {},
	"encrypted_data":       {},
	"serviceaccountjson":   {},
	"service_account_json": {},
}

// RedactingCore wraps a zapcore.Core and masks secret-bearing fields.
type RedactingCore struct {
	zapcore.Core
}

// NewRedactingCore wraps core with field redaction.
func NewRedactingCore(core zapcore.Core) *RedactingCore {
	return &RedactingCore{Core: core}
}

// With redacts contextual fields added via Logger.With.
func (c *RedactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &RedactingCore{Core: c.Core.With(redactFields(fields))}
}

// Check delegates to the wrapped core, keeping the redacting core in the
// checked entry chain.
func (c *RedactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

// Write redacts per-call fields before handing off to the wrapped core.
func (c *RedactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, redactFields(fields))
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	out := fields
	copied := false
	for i, f := range fields {
		if !isRedactedKey(f.Key) {
			continue
		}
		if !copied {
			out = append([]zapcore.Field(nil), fields...)
			copied = true
		}
		out[i] = zapcore.Field{Key: f.Key, Type: zapcore.StringType, String: Censor}
	}
	return out
}

func isRedactedKey(key string) bool {
	_, ok := redactedKeys[strings.ToLower(key)]
	return ok
}
