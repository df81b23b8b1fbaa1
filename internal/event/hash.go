package event

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// BodyHash computes sha256(canonical(body)), base64 standard encoded. Two
// requests with the same body produce the same hash regardless of key
// order, so a completion can be reused across tasks and across batches.
func BodyHash(body map[string]any) (string, error) {
	var sb strings.Builder
	if err := writeCanonical(&sb, body); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// writeCanonical encodes v as compact JSON with object keys sorted
// lexicographically, recursively over nested maps and slices.
func writeCanonical(sb *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if t {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		sb.WriteString(strconv.Quote(t))
	case float64:
		sb.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case int:
		sb.WriteString(strconv.Itoa(t))
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			if err := writeCanonical(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	default:
		return fmt.Errorf("canonical json: unsupported type %T", v)
	}
	return nil
}
