package manifest

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"deckhand/pkg/model"
)

var (
	dnsLabel     = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
	dnsSubdomain = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?(\.[a-z0-9]([-a-z0-9]*[a-z0-9])?)*$`)
)

// validate checks the kind-specific required fields of obj and reports
// every problem found, not just the first.
func validate(kind model.Kind, obj map[string]any) error {
	var merr *multierror.Error
	meta, _ := obj["metadata"].(map[string]any)
	name, _ := meta["name"].(string)
	if len(name) > 253 || !dnsSubdomain.MatchString(name) {
		merr = multierror.Append(merr, fmt.Errorf("metadata.name %q is not a valid DNS-1123 subdomain", name))
	}
	if ns, _ := meta["namespace"].(string); ns != "" && (len(ns) > 63 || !dnsLabel.MatchString(ns)) {
		merr = multierror.Append(merr, fmt.Errorf("metadata.namespace %q is not a valid DNS-1123 label", ns))
	}

	switch kind {
	case model.KindPod:
		merr = multierror.Append(merr, checkPodSpec("spec", lookupMap(obj, "spec"))...)
	case model.KindDeployment:
		if r, ok := lookupMap(obj, "spec")["replicas"]; ok {
			if n, isInt := asInt(r); !isInt || n < 0 {
				merr = multierror.Append(merr, fmt.Errorf("spec.replicas must be a non-negative integer, got %v", r))
			}
		}
		merr = multierror.Append(merr, checkPodSpec("spec.template.spec", lookupMap(obj, "spec", "template", "spec"))...)
	case model.KindDaemonSet:
		merr = multierror.Append(merr, checkPodSpec("spec.template.spec", lookupMap(obj, "spec", "template", "spec"))...)
	case model.KindCronJob:
		schedule, _ := lookupMap(obj, "spec")["schedule"].(string)
		if schedule == "" {
			merr = multierror.Append(merr, fmt.Errorf("spec.schedule is required"))
		} else if _, err := cron.ParseStandard(schedule); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("spec.schedule %q: %w", schedule, err))
		}
		merr = multierror.Append(merr, checkPodSpec("spec.jobTemplate.spec.template.spec",
			lookupMap(obj, "spec", "jobTemplate", "spec", "template", "spec"))...)
	case model.KindSecret:
		data, _ := obj["data"].(map[string]any)
		for k, v := range data {
			s, ok := v.(string)
			if !ok {
				merr = multierror.Append(merr, fmt.Errorf("data.%s must be a base64 string", k))
				continue
			}
			if _, err := base64.StdEncoding.DecodeString(s); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("data.%s is not valid base64", k))
			}
		}
	case model.KindIngress, model.KindService:
	default:
		merr = multierror.Append(merr, fmt.Errorf("unsupported kind %q", kind))
	}

	if merr == nil {
		return nil
	}
	merr.ErrorFormat = joinErrors
	return merr.ErrorOrNil()
}

func checkPodSpec(path string, spec map[string]any) []error {
	if spec == nil {
		return []error{fmt.Errorf("%s is required", path)}
	}
	containers, _ := spec["containers"].([]any)
	if len(containers) == 0 {
		return []error{fmt.Errorf("%s.containers must list at least one container", path)}
	}
	var errs []error
	for i, c := range containers {
		cm, _ := c.(map[string]any)
		if n, _ := cm["name"].(string); n == "" {
			errs = append(errs, fmt.Errorf("%s.containers[%d].name is required", path, i))
		}
		if img, _ := cm["image"].(string); img == "" {
			errs = append(errs, fmt.Errorf("%s.containers[%d].image is required", path, i))
		}
	}
	return errs
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), n == float64(int64(n))
	default:
		return 0, false
	}
}

func joinErrors(errs []error) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}
