package manifest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"deckhand/pkg/model"
)

// PodSpec returns the pod spec embedded in a workload manifest, or nil for
// kinds that carry none.
func PodSpec(kind model.Kind, obj map[string]any) map[string]any {
	switch kind {
	case model.KindPod:
		return lookupMap(obj, "spec")
	case model.KindDeployment, model.KindDaemonSet:
		return lookupMap(obj, "spec", "template", "spec")
	case model.KindCronJob:
		return lookupMap(obj, "spec", "jobTemplate", "spec", "template", "spec")
	default:
		return nil
	}
}

// Scheduling returns the nodeName and nodeSelector of a workload's pod
// spec. Selector values that decoded as numbers or booleans are rendered
// as their YAML text.
func Scheduling(kind model.Kind, obj map[string]any) (string, map[string]string) {
	spec := PodSpec(kind, obj)
	if spec == nil {
		return "", nil
	}
	name, _ := spec["nodeName"].(string)
	raw := lookupMap(spec, "nodeSelector")
	if len(raw) == 0 {
		return name, nil
	}
	selector := make(map[string]string, len(raw))
	for k, v := range raw {
		selector[k] = fmt.Sprint(v)
	}
	return name, selector
}

// SecretRefs lists, sorted and deduplicated, the Secret names a workload
// manifest references through env, envFrom, volumes and imagePullSecrets.
func SecretRefs(kind model.Kind, obj map[string]any) []string {
	spec := PodSpec(kind, obj)
	if spec == nil {
		return nil
	}
	seen := map[string]struct{}{}
	add := func(name any) {
		if s, ok := name.(string); ok && s != "" {
			seen[s] = struct{}{}
		}
	}
	for _, field := range []string{"containers", "initContainers"} {
		for _, c := range lookupSlice(spec, field) {
			cm, _ := c.(map[string]any)
			for _, e := range lookupSlice(cm, "env") {
				em, _ := e.(map[string]any)
				add(lookupMap(em, "valueFrom", "secretKeyRef")["name"])
			}
			for _, e := range lookupSlice(cm, "envFrom") {
				em, _ := e.(map[string]any)
				add(lookupMap(em, "secretRef")["name"])
			}
		}
	}
	for _, v := range lookupSlice(spec, "volumes") {
		vm, _ := v.(map[string]any)
		add(lookupMap(vm, "secret")["secretName"])
	}
	for _, p := range lookupSlice(spec, "imagePullSecrets") {
		pm, _ := p.(map[string]any)
		add(pm["name"])
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SecretIndex answers whether a Secret exists in a namespace.
type SecretIndex interface {
	HasSecret(namespace, name string) bool
}

// ResolveRefs fails with a *model.ValidationError naming every Secret res
// references that idx does not know in res's namespace.
func ResolveRefs(res *Resource, idx SecretIndex) error {
	var missing []string
	for _, name := range res.SecretRefs {
		if !idx.HasSecret(res.Key.Namespace, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	key := res.Key
	return &model.ValidationError{
		Key:    &key,
		Index:  res.Index,
		Reason: fmt.Sprintf("unresolved secret reference %s", strings.Join(quoteAll(missing), ", ")),
	}
}

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strconv.Quote(s)
	}
	return out
}
