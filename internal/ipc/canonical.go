package ipc

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// hmacField is the trailing field every signed document carries.
const hmacField = "_hmac"

// canonicalize re-marshals v as a JSON object with keys sorted, two-space
// indentation, and LF line endings — the exact serialization the HMAC is
// computed over, so sign∘verify round-trips regardless of map iteration
// order or platform line endings.
func canonicalize(v map[string]interface{}) ([]byte, error) {
	sorted := sortedObject(v)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(sorted); err != nil {
		return nil, fmt.Errorf("failed to encode canonical json: %w", err)
	}

	out := bytes.ReplaceAll(buf.Bytes(), []byte("\r\n"), []byte("\n"))
	return bytes.TrimRight(out, "\n"), nil
}

// sortedObject is a json.Marshaler that always emits its keys in sorted
// order, recursively, regardless of Go map iteration order.
type sortedObject map[string]interface{}

func (s sortedObject) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		val, err := json.Marshal(normalize(s[k]))
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// normalize recursively wraps nested maps in sortedObject so the whole
// document serializes with stable key order.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return sortedObject(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

// Sign computes the HMAC-SHA256 over the canonical serialization of payload
// (with any existing _hmac field removed) and returns payload with _hmac set
// to the hex-encoded digest.
func Sign(payload map[string]interface{}, secret []byte) (map[string]interface{}, error) {
	clean := withoutHMAC(payload)

	canon, err := canonicalize(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload for signing: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(canon)
	digest := hex.EncodeToString(mac.Sum(nil))

	signed := withoutHMAC(payload)
	signed[hmacField] = digest
	return signed, nil
}

// Verify recomputes the HMAC over payload with _hmac removed and compares
// it, in constant time, against the _hmac field present.
func Verify(payload map[string]interface{}, secret []byte) (bool, error) {
	raw, ok := payload[hmacField]
	if !ok {
		return false, fmt.Errorf("payload missing %s field", hmacField)
	}
	given, ok := raw.(string)
	if !ok {
		return false, fmt.Errorf("payload %s field is not a string", hmacField)
	}

	clean := withoutHMAC(payload)
	canon, err := canonicalize(clean)
	if err != nil {
		return false, fmt.Errorf("failed to canonicalize payload for verification: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(canon)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(given)), nil
}

func withoutHMAC(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k == hmacField {
			continue
		}
		out[k] = v
	}
	return out
}
