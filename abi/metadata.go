package abi

import (
	"sort"
	"strings"
)

// EncodeMetadata flattens metadata into the newline-delimited "key\nvalue"
// form the native side expects. Keys are sorted so the encoding is stable.
func EncodeMetadata(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('\n')
		b.WriteString(md[k])
	}
	return b.String()
}

// DecodeMetadata parses a metadata blob produced by EncodeMetadata. A trailing
// key without a value is dropped.
func DecodeMetadata(blob []byte) map[string]string {
	if len(blob) == 0 {
		return nil
	}
	parts := strings.Split(string(blob), "\n")
	md := make(map[string]string, len(parts)/2)
	for i := 0; i+1 < len(parts); i += 2 {
		md[parts[i]] = parts[i+1]
	}
	return md
}
