package model

import (
	"fmt"
	"strings"
)

// Kind is the closed set of resource kinds deckhand reconciles.
type Kind string

const (
	KindPod        Kind = "Pod"
	KindDeployment Kind = "Deployment"
	KindDaemonSet  Kind = "DaemonSet"
	KindCronJob    Kind = "CronJob"
	KindIngress    Kind = "Ingress"
	KindSecret     Kind = "Secret"
	KindService    Kind = "Service"
)

// Kinds lists every supported kind in dispatch order: secrets land before
// anything that may reference them.
var Kinds = []Kind{KindSecret, KindService, KindIngress, KindPod, KindDeployment, KindDaemonSet, KindCronJob}

var kindAliases = map[string]Kind{
	"pod": KindPod, "pods": KindPod, "po": KindPod,
	"deployment": KindDeployment, "deployments": KindDeployment, "deploy": KindDeployment,
	"daemonset": KindDaemonSet, "daemonsets": KindDaemonSet, "ds": KindDaemonSet,
	"cronjob": KindCronJob, "cronjobs": KindCronJob, "cj": KindCronJob,
	"ingress": KindIngress, "ingresses": KindIngress, "ing": KindIngress,
	"secret": KindSecret, "secrets": KindSecret,
	"service": KindService, "services": KindService, "svc": KindService,
}

// ParseKind resolves a kind name or CLI alias (case-insensitive).
func ParseKind(s string) (Kind, error) {
	if k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown resource kind %q", s)
}

// APIVersion is the manifest apiVersion accepted for the kind.
func (k Kind) APIVersion() string {
	switch k {
	case KindPod, KindSecret, KindService:
		return "v1"
	case KindDeployment, KindDaemonSet:
		return "apps/v1"
	case KindCronJob:
		return "batch/v1"
	case KindIngress:
		return "networking.k8s.io/v1"
	default:
		panic(fmt.Sprintf("model: unhandled kind %q", string(k)))
	}
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// DispatchWave orders kinds within one apply; lower waves finish first.
func (k Kind) DispatchWave() int {
	if k == KindSecret {
		return 0
	}
	return 1
}

func (k Kind) String() string { return string(k) }
