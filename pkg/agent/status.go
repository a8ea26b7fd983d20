package agent

import (
	"context"

	"deckhand/pkg/api"
	"deckhand/pkg/model"
	"deckhand/pkg/version"
)

// status reports health and the applied resource set. A node whose state
// cannot be read reports itself Unhealthy.
func (a *Agent) status(ctx context.Context) api.Reply {
	st := &api.NodeStatus{Health: model.HealthHealthy, Build: version.Build, Running: []api.RunningResource{}}
	entries, err := a.state.List(ctx)
	if err != nil {
		st.Health = model.HealthUnhealthy
		return api.Reply{Status: st, Error: "list state: " + err.Error()}
	}
	for _, e := range entries {
		st.Running = append(st.Running, api.RunningResource{
			Kind: e.Key.Kind, Name: e.Key.Name, Namespace: e.Key.Namespace, Hash: e.Hash,
		})
	}
	cordoned, err := a.state.Cordoned(ctx)
	if err != nil {
		st.Health = model.HealthUnhealthy
		return api.Reply{Status: st, Error: "read cordon flag: " + err.Error()}
	}
	st.Cordoned = cordoned
	return api.Reply{Status: st}
}
