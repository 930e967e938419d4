// Package analysis holds the Analysis Service contract: the verdict payload,
// the success/failure outcome union and the HTTP clients for both request
// shapes.
package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Result is the typed view of a verdict payload. The service encodes it
// directly; on the client side it is only ever derived from a Success's raw
// bytes, leniently, so a payload that does not match these types still
// renders.
type Result struct {
	Verdict            string          `json:"verdict,omitempty"`
	ConfidenceScore    float64         `json:"confidence_score"`
	Explanation        string          `json:"explanation,omitempty"`
	Correction         string          `json:"correction,omitempty"`
	Enrichment         []string        `json:"enrichment,omitempty"`
	Sources            []string        `json:"sources,omitempty"`
	LinguisticAnalysis json.RawMessage `json:"linguistic_analysis,omitempty"`
	ImageAnalysis      json.RawMessage `json:"image_analysis,omitempty"`
	ImageAuthenticity  json.RawMessage `json:"image_authenticity,omitempty"`
}

// UnmarshalJSON accepts any JSON object. Members of an unexpected type are
// coerced where there is an obvious reading (a numeric string score, source
// objects with a url) and dropped otherwise; it never fails on a member.
func (r *Result) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*r = Result{
		Verdict:            looseString(m["verdict"]),
		ConfidenceScore:    looseNumber(m["confidence_score"]),
		Explanation:        looseString(m["explanation"]),
		Correction:         looseString(m["correction"]),
		Enrichment:         looseStrings(m["enrichment"], "text"),
		Sources:            looseStrings(m["sources"], "url"),
		LinguisticAnalysis: nonNull(m["linguistic_analysis"]),
		ImageAnalysis:      nonNull(m["image_analysis"]),
		ImageAuthenticity:  nonNull(m["image_authenticity"]),
	}
	return nil
}

func nonNull(raw json.RawMessage) json.RawMessage {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return nil
	}
	return raw
}

// textKeys are tried in order when a string member arrives as an object.
var textKeys = []string{"text", "message", "summary", "correction", "description"}

func looseString(raw json.RawMessage) string {
	raw = nonNull(raw)
	if raw == nil {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) == nil {
		for _, k := range textKeys {
			if v, ok := obj[k]; ok {
				if err := json.Unmarshal(v, &s); err == nil && s != "" {
					return s
				}
			}
		}
	}
	var buf bytes.Buffer
	if json.Compact(&buf, raw) != nil {
		return ""
	}
	return buf.String()
}

func looseNumber(raw json.RawMessage) float64 {
	raw = nonNull(raw)
	if raw == nil {
		return 0
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return v
		}
	}
	return 0
}

// looseStrings reads a list of strings. Object elements contribute their key
// member or nothing; a bare string counts as a list of one.
func looseStrings(raw json.RawMessage, key string) []string {
	raw = nonNull(raw)
	if raw == nil {
		return nil
	}
	var items []json.RawMessage
	if json.Unmarshal(raw, &items) != nil {
		if s := looseString(raw); s != "" {
			return []string{s}
		}
		return nil
	}
	var out []string
	for _, it := range items {
		var obj map[string]json.RawMessage
		if json.Unmarshal(it, &obj) == nil {
			if s := looseString(obj[key]); s != "" {
				out = append(out, s)
			}
			continue
		}
		if s := looseString(it); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Error is the failure payload shown to the user.
type Error struct {
	Message string
}

func (e Error) Error() string { return e.Message }

func (e Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Error   bool   `json:"error"`
		Message string `json:"message"`
	}{true, e.Message})
}

// Outcome is either Success or Failure. The unexported method seals the set.
type Outcome interface {
	outcome()
}

// Success carries a verdict payload exactly as the service sent it. The
// bytes are what gets stored and re-encoded; Result is derived on demand.
type Success struct {
	Raw json.RawMessage
}

// Result decodes the payload leniently for display.
func (s Success) Result() Result {
	var r Result
	_ = json.Unmarshal(s.Raw, &r)
	return r
}

// Failure carries a normalized error; transport failures and service
// rejections are indistinguishable here.
type Failure struct {
	Err Error
}

func (Success) outcome() {}
func (Failure) outcome() {}

// Fail builds a Failure from a message.
func Fail(message string) Failure {
	return Failure{Err: Error{Message: message}}
}

// FailErr builds a Failure from an error's text.
func FailErr(err error) Failure {
	if err == nil {
		return Fail("unknown error")
	}
	return Fail(err.Error())
}

// ErrUnknownOutcome is returned when encoding a nil or foreign Outcome.
var ErrUnknownOutcome = errors.New("unknown outcome")

// ErrNotObject is returned for a verdict payload that is not a JSON object.
var ErrNotObject = errors.New("result is not a JSON object")

// EncodeOutcome renders an outcome in its storage form: the result payload
// byte for byte, or {"error": true, "message": ...}.
func EncodeOutcome(o Outcome) ([]byte, error) {
	switch v := o.(type) {
	case Success:
		if !isObject(v.Raw) {
			return nil, ErrNotObject
		}
		return v.Raw, nil
	case Failure:
		return json.Marshal(v.Err)
	default:
		return nil, ErrUnknownOutcome
	}
}

// DecodeOutcome is the inverse of EncodeOutcome. A payload is a Failure only
// when it carries "error": true; any other JSON object is a Success holding
// the bytes unchanged apart from surrounding whitespace.
func DecodeOutcome(b []byte) (Outcome, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(b, &members); err != nil {
		return nil, fmt.Errorf("decode outcome: %w", err)
	}
	if members == nil {
		return nil, fmt.Errorf("decode outcome: %w", ErrNotObject)
	}
	if isErrorMarker(members["error"]) {
		var msg string
		if raw, ok := members["message"]; ok {
			_ = json.Unmarshal(raw, &msg)
		}
		return Fail(msg), nil
	}
	raw := bytes.TrimSpace(b)
	return Success{Raw: append(json.RawMessage(nil), raw...)}, nil
}

func isObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 1 && t[0] == '{' && json.Valid(t)
}

func isErrorMarker(raw json.RawMessage) bool {
	return len(raw) > 0 && bytes.Equal(bytes.TrimSpace(raw), []byte("true"))
}
