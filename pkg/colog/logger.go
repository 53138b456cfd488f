// Package colog is the logging facade every cosync component logs through.
// Pick a backend with one of the adapter subpackages.
package colog

import "fmt"

type Logger interface {
	Info(s string, keyValues ...any)
	Error(s string, keyValues ...any)
	Debug(s string, keyValues ...any)
	Warn(s string, keyValues ...any)
}

type nop struct{}

func (nop) Info(string, ...any)  {}
func (nop) Error(string, ...any) {}
func (nop) Debug(string, ...any) {}
func (nop) Warn(string, ...any)  {}

// Nop discards everything.
var Nop Logger = nop{}

// OrNop returns l, or Nop when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop
	}
	return l
}

// Fields turns alternating key/value pairs into a map. A trailing key without a
// value is kept under "!BADKEY", non-string keys are formatted with %v.
func Fields(keyValues []any) map[string]any {
	fields := make(map[string]any, len(keyValues)/2)
	for i := 0; i < len(keyValues); i += 2 {
		if i+1 == len(keyValues) {
			fields["!BADKEY"] = keyValues[i]
			break
		}
		k, ok := keyValues[i].(string)
		if !ok {
			k = fmt.Sprint(keyValues[i])
		}
		fields[k] = keyValues[i+1]
	}
	return fields
}
