package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"deckhand/pkg/model"
)

// Runtime turns an applied manifest into running workloads on the node.
type Runtime interface {
	Apply(ctx context.Context, key model.ResourceKey, hash string, manifest []byte) error
	Remove(ctx context.Context, key model.ResourceKey, manifest []byte) error
}

// HookRuntime runs one shell command per kind and operation, with the
// canonical manifest on stdin. Kinds without a hook are only recorded.
type HookRuntime struct {
	ApplyHooks  map[model.Kind]string
	RemoveHooks map[model.Kind]string
}

// HooksFromEnv reads DECKHAND_RUNTIME_<KIND>_APPLY and _REMOVE, e.g.
// DECKHAND_RUNTIME_POD_APPLY="podman kube play --replace -".
func HooksFromEnv() *HookRuntime {
	h := &HookRuntime{ApplyHooks: map[model.Kind]string{}, RemoveHooks: map[model.Kind]string{}}
	for _, k := range model.Kinds {
		prefix := "DECKHAND_RUNTIME_" + strings.ToUpper(string(k))
		if v := os.Getenv(prefix + "_APPLY"); v != "" {
			h.ApplyHooks[k] = v
		}
		if v := os.Getenv(prefix + "_REMOVE"); v != "" {
			h.RemoveHooks[k] = v
		}
	}
	return h
}

func (h *HookRuntime) Apply(ctx context.Context, key model.ResourceKey, hash string, manifest []byte) error {
	script, ok := h.ApplyHooks[key.Kind]
	if !ok {
		return nil
	}
	return run(ctx, script, hookEnv(key, hash), manifest)
}

func (h *HookRuntime) Remove(ctx context.Context, key model.ResourceKey, manifest []byte) error {
	script, ok := h.RemoveHooks[key.Kind]
	if !ok {
		return nil
	}
	return run(ctx, script, hookEnv(key, ""), manifest)
}

func hookEnv(key model.ResourceKey, hash string) []string {
	return append(os.Environ(),
		"DECKHAND_KIND="+string(key.Kind),
		"DECKHAND_NAME="+key.Name,
		"DECKHAND_NAMESPACE="+key.Namespace,
		"DECKHAND_HASH="+hash,
	)
}

func run(ctx context.Context, script string, env []string, stdin []byte) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Env = env
	cmd.Stdin = bytes.NewReader(stdin)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %v output=%s", script, err, strings.TrimSpace(string(out)))
	}
	return nil
}
