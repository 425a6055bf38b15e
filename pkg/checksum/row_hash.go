package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// MetadataFields never take part in an all-fields hash.
var MetadataFields = map[string]bool{
	"file_id":          true,
	"ingest_timestamp": true,
	"id":               true,
	"created_at":       true,
	"updated_at":       true,
}

// RowHash returns the hex SHA-256 of the row restricted to coreFields.
// Core fields match exactly first, then case-insensitively; missing ones are
// left out. With no core fields every non-nil, non-metadata field is hashed.
func RowHash(row map[string]any, coreFields []string) string {
	selected := selectFields(row, coreFields)

	keys := make([]string, 0, len(selected))
	for k := range selected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]any, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]any{k, selected[k]})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(pairs); err != nil {
		// values come from parsed cells; fall back to their printed form
		buf.Reset()
		for _, p := range pairs {
			buf.WriteString(p[0].(string))
			buf.WriteByte('=')
			buf.WriteString(strings.TrimSpace(toString(p[1])))
			buf.WriteByte(';')
		}
	}

	sum := sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(sum[:])
}

// MissingFields lists the core fields a row does not carry under any casing.
func MissingFields(row map[string]any, coreFields []string) []string {
	var missing []string
	for _, field := range coreFields {
		if _, ok := matchKey(row, field); !ok {
			missing = append(missing, field)
		}
	}
	return missing
}

func selectFields(row map[string]any, coreFields []string) map[string]any {
	out := make(map[string]any, len(coreFields))
	if len(coreFields) == 0 {
		for k, v := range row {
			if v == nil || MetadataFields[k] {
				continue
			}
			out[k] = v
		}
		return out
	}

	for _, field := range coreFields {
		if key, ok := matchKey(row, field); ok {
			out[key] = row[key]
		}
	}
	return out
}

func matchKey(row map[string]any, field string) (string, bool) {
	if _, ok := row[field]; ok {
		return field, true
	}

	var candidates []string
	for k := range row {
		if strings.EqualFold(k, field) {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)
	return candidates[0], true
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}
