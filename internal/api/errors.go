package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ErrNotSignedIn is returned by calls that need a session when there is none.
var ErrNotSignedIn = errors.New("api: not signed in")

// APIError is a non-2xx answer from the backend. Status 0 means the request
// never got an answer (network failure, open circuit).
type APIError struct {
	Status    int
	Method    string
	Path      string
	Message   string
	RequestID string
	Err       error
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Status > 0 {
		msg = http.StatusText(e.Status)
	}
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Status == 0 {
		return fmt.Sprintf("api: %s %s: %s", e.Method, e.Path, msg)
	}
	return fmt.Sprintf("api: %s %s: %d %s", e.Method, e.Path, e.Status, msg)
}

func (e *APIError) Unwrap() error { return e.Err }

// Unauthorized reports whether the backend rejected the session.
func (e *APIError) Unauthorized() bool {
	return e != nil && e.Status == http.StatusUnauthorized
}

// ValidationError is a 422 answer carrying field-level messages for forms.
type ValidationError struct {
	APIError
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	base := e.APIError.Error()
	if len(e.Fields) == 0 {
		return base
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return base + " (" + strings.Join(parts, "; ") + ")"
}

func (e *ValidationError) Unwrap() error { return &e.APIError }

// errorBody is what the backend sends alongside a non-2xx status.
type errorBody struct {
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Errors  json.RawMessage `json:"errors"`
}

// parseErrorBody extracts the message and the field errors from a failed
// response. Unknown shapes yield what could be read; it never fails.
func parseErrorBody(body []byte) (string, map[string]string) {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return strings.TrimSpace(string(truncate(body, 256))), nil
	}
	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}
	return msg, parseFieldErrors(eb.Errors)
}

type fieldItem struct {
	Field   string `json:"field"`
	Path    string `json:"path"`
	Param   string `json:"param"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
}

func (f fieldItem) name() string {
	switch {
	case f.Field != "":
		return f.Field
	case f.Path != "":
		return f.Path
	default:
		return f.Param
	}
}

func (f fieldItem) text() string {
	if f.Message != "" {
		return f.Message
	}
	return f.Msg
}

// parseFieldErrors accepts:
//
//	{"email": "taken"}
//	{"email": ["taken", "invalid"]}
//	{"email": {"msg": "taken", "path": "email"}}
//	[{"field": "email", "message": "taken"}]  (also path/param, msg)
//
// Only the first message per field is kept.
func parseFieldErrors(raw json.RawMessage) map[string]string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	out := make(map[string]string)

	var list []fieldItem
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, item := range list {
			name := item.name()
			if name == "" {
				continue
			}
			if _, seen := out[name]; !seen {
				out[name] = item.text()
			}
		}
		return nilIfEmpty(out)
	}

	var byField map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byField); err != nil {
		return nil
	}
	for name, v := range byField {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[name] = s
			continue
		}
		var ss []string
		if err := json.Unmarshal(v, &ss); err == nil {
			if len(ss) > 0 {
				out[name] = ss[0]
			}
			continue
		}
		var item fieldItem
		if err := json.Unmarshal(v, &item); err == nil {
			out[name] = item.text()
		}
	}
	return nilIfEmpty(out)
}

func nilIfEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
