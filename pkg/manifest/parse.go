// Package manifest turns Kubernetes-shaped YAML or JSON documents into
// canonical, content-addressed resources.
package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is one entry of a multi-document manifest stream.
type Document struct {
	Index  int
	Object map[string]any
	Err    error // decode failure, fatal for this document only
}

// Parse splits r into documents and decodes each independently so that a
// malformed document does not hide the ones after it. Empty documents are
// dropped. The returned error is only for read failures.
func Parse(r io.Reader) ([]Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifests: %w", err)
	}
	var docs []Document
	for _, chunk := range splitDocuments(raw) {
		var v any
		if err := yaml.Unmarshal(chunk, &v); err != nil {
			docs = append(docs, Document{Index: len(docs), Err: fmt.Errorf("decode: %w", err)})
			continue
		}
		if v == nil {
			continue
		}
		obj, ok := normalize(v).(map[string]any)
		if !ok {
			docs = append(docs, Document{Index: len(docs), Err: fmt.Errorf("document is a %T, not a mapping", v)})
			continue
		}
		docs = append(docs, Document{Index: len(docs), Object: obj})
	}
	return docs, nil
}

// ParseBytes is Parse over an in-memory buffer.
func ParseBytes(b []byte) []Document {
	docs, _ := Parse(bytes.NewReader(b))
	return docs
}

func splitDocuments(raw []byte) [][]byte {
	var (
		out [][]byte
		cur bytes.Buffer
	)
	flush := func() {
		if strings.TrimSpace(cur.String()) != "" {
			out = append(out, append([]byte(nil), cur.Bytes()...))
		}
		cur.Reset()
	}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if isSeparator(line) {
			flush()
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	flush()
	return out
}

func isSeparator(line string) bool {
	trimmed := strings.TrimRight(line, " \t\r")
	if trimmed == "..." {
		return true
	}
	if !strings.HasPrefix(trimmed, "---") {
		return false
	}
	rest := trimmed[3:]
	return rest == "" || rest[0] == ' ' || rest[0] == '\t'
}

// normalize converts yaml's generic maps into map[string]any recursively.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}
