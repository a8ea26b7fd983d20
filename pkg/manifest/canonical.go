package manifest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"

	"deckhand/pkg/model"
)

// Bookkeeping labels and annotations stamped on every resource.
const (
	LabelName         = "deckhand.io/name"
	LabelNamespace    = "deckhand.io/namespace"
	LabelHash         = "deckhand.io/hash"
	AnnotationManaged = "deckhand.io/managed"
)

// hashKey separates manifest hashes from any other BLAKE3 use; the bytes are
// the ASCII domain name zero-padded to 32.
var hashKey = [32]byte{
	'd', 'e', 'c', 'k', 'h', 'a', 'n', 'd', '.', 'm', 'a', 'n', 'i', 'f', 'e', 's', 't',
}

// observed-only metadata that never contributes to identity or content.
var droppedMetadata = []string{"uid", "resourceVersion", "generation", "creationTimestamp", "managedFields", "selfLink"}

// Resource is a validated, canonicalized manifest.
type Resource struct {
	Key        model.ResourceKey
	Index      int
	Object     map[string]any
	Canonical  []byte
	Hash       string
	SecretRefs []string
}

// Canonicalize classifies, validates and normalizes one document and
// computes its content hash. Errors are *model.ValidationError.
func Canonicalize(doc Document) (*Resource, error) {
	if doc.Err != nil {
		return nil, &model.ValidationError{Index: doc.Index, Reason: "malformed manifest", Err: doc.Err}
	}
	key, err := Identify(doc.Object)
	if err != nil {
		return nil, &model.ValidationError{Index: doc.Index, Reason: "unidentifiable manifest", Err: err}
	}
	obj := deepCopy(doc.Object).(map[string]any)
	if err := validate(key.Kind, obj); err != nil {
		return nil, &model.ValidationError{Key: &key, Index: doc.Index, Reason: "invalid manifest", Err: err}
	}
	fixup(key, obj)
	canonical, err := Marshal(obj)
	if err != nil {
		return nil, &model.ValidationError{Key: &key, Index: doc.Index, Reason: "encode manifest", Err: err}
	}
	return &Resource{
		Key:        key,
		Index:      doc.Index,
		Object:     obj,
		Canonical:  canonical,
		Hash:       Hash(canonical),
		SecretRefs: SecretRefs(key.Kind, obj),
	}, nil
}

// Identify extracts the resource key without validating the body.
func Identify(obj map[string]any) (model.ResourceKey, error) {
	kindStr, _ := obj["kind"].(string)
	if kindStr == "" {
		return model.ResourceKey{}, fmt.Errorf("missing kind")
	}
	kind := model.Kind(kindStr)
	if !kind.Valid() {
		return model.ResourceKey{}, fmt.Errorf("unsupported kind %q", kindStr)
	}
	if api, _ := obj["apiVersion"].(string); api != kind.APIVersion() {
		return model.ResourceKey{}, fmt.Errorf("%s requires apiVersion %q, got %q", kind, kind.APIVersion(), api)
	}
	meta, _ := obj["metadata"].(map[string]any)
	name, _ := meta["name"].(string)
	if name == "" {
		return model.ResourceKey{}, fmt.Errorf("%s: metadata.name is required", kind)
	}
	ns, _ := meta["namespace"].(string)
	if ns == "" {
		ns = model.DefaultNamespace
	}
	return model.ResourceKey{Kind: kind, Name: name, Namespace: ns}, nil
}

// Marshal renders v as compact JSON with sorted object keys.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode parses a canonical manifest back into an object.
func Decode(canonical []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(canonical, &obj); err != nil {
		return nil, fmt.Errorf("decode canonical manifest: %w", err)
	}
	return obj, nil
}

// Hash is the hex BLAKE3 keyed digest of a canonical manifest.
func Hash(canonical []byte) string {
	h, err := blake3.NewKeyed(hashKey[:])
	if err != nil {
		panic("manifest: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

func fixup(key model.ResourceKey, obj map[string]any) {
	delete(obj, "status")
	meta := ensureMap(obj, "metadata")
	meta["namespace"] = key.Namespace
	for _, f := range droppedMetadata {
		delete(meta, f)
	}
	labels := ensureMap(meta, "labels")
	delete(labels, LabelHash)
	labels[LabelName] = key.Name
	labels[LabelNamespace] = key.Namespace
	ensureMap(meta, "annotations")[AnnotationManaged] = "true"

	if tmpl := podTemplate(key.Kind, obj); tmpl != nil {
		tlabels := ensureMap(ensureMap(tmpl, "metadata"), "labels")
		tlabels[LabelName] = key.Name
		tlabels[LabelNamespace] = key.Namespace
		tlabels[ownerLabel(key.Kind)] = key.Name
	}
	pruneNulls(obj)
}

func ownerLabel(kind model.Kind) string {
	switch kind {
	case model.KindDeployment:
		return "deckhand.io/deployment"
	case model.KindDaemonSet:
		return "deckhand.io/daemonset"
	case model.KindCronJob:
		return "deckhand.io/cronjob"
	default:
		return ""
	}
}

// podTemplate returns the pod template of workload controllers.
func podTemplate(kind model.Kind, obj map[string]any) map[string]any {
	switch kind {
	case model.KindDeployment, model.KindDaemonSet:
		return lookupMap(obj, "spec", "template")
	case model.KindCronJob:
		return lookupMap(obj, "spec", "jobTemplate", "spec", "template")
	default:
		return nil
	}
}

func pruneNulls(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if val == nil {
				delete(t, k)
				continue
			}
			pruneNulls(val)
		}
	case []any:
		for _, val := range t {
			pruneNulls(val)
		}
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

func ensureMap(parent map[string]any, key string) map[string]any {
	if m, ok := parent[key].(map[string]any); ok {
		return m
	}
	m := make(map[string]any)
	parent[key] = m
	return m
}

func lookupMap(obj map[string]any, path ...string) map[string]any {
	cur := obj
	for _, p := range path {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func lookupSlice(obj map[string]any, path ...string) []any {
	if len(path) == 0 {
		return nil
	}
	parent := lookupMap(obj, path[:len(path)-1]...)
	if parent == nil {
		return nil
	}
	s, _ := parent[path[len(path)-1]].([]any)
	return s
}
