package eventflow

import (
	"encoding/json"
	"strings"
)

// redactedValue replaces sensitive field values in logged payloads.
const redactedValue = "[REDACTED]"

// sensitiveFields are matched case-insensitively as substrings of field
// names, so "userPassword", "api_key" and "refreshToken" are all caught.
var sensitiveFields = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"apikey",
	"api_key",
	"authorization",
	"credential",
	"privatekey",
	"private_key",
	"cardnumber",
	"card_number",
	"cvv",
	"ssn",
}

func isSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, f := range sensitiveFields {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

// Redact returns a copy of the map with sensitive field values replaced.
// Nested maps and slices are redacted recursively. The input is not
// modified.
//
// Use it before logging any payload that may carry credentials:
//
//	logger.Error("handler failed",
//	    "event", ev.Type,
//	    "payload", eventflow.RedactJSON(ev.Payload),
//	    "error", err)
func Redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveField(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Redact(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	default:
		return v
	}
}

// RedactJSON parses a JSON document, redacts sensitive fields, and returns
// the redacted document as a string suitable for logging. Documents that are
// not JSON objects are returned unchanged; unparseable input is replaced
// wholesale rather than leaked.
func RedactJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		// Not an object (array, scalar, or invalid). Arrays and scalars
		// carry no field names to match on; invalid data is not logged
		// verbatim.
		var v any
		if json.Unmarshal(data, &v) == nil {
			return string(data)
		}
		return redactedValue
	}
	redacted, err := json.Marshal(Redact(m))
	if err != nil {
		return redactedValue
	}
	return string(redacted)
}
