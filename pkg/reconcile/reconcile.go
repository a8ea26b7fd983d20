// Package reconcile drives apply, remove and refresh across the fleet and
// keeps the ledger's desired and observed state in step with the nodes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"deckhand/pkg/api"
	"deckhand/pkg/dispatch"
	"deckhand/pkg/model"
	"deckhand/pkg/store"
)

// Fleet executes work against nodes. *dispatch.Dispatcher implements it.
type Fleet interface {
	Run(ctx context.Context, units []dispatch.Unit) []dispatch.Result
	Probe(ctx context.Context, nodes []model.Node) []dispatch.Probe
	Cordon(ctx context.Context, node model.Node, cordoned bool) (api.NodeStatus, error)
	Provision(ctx context.Context, node model.Node, script string) error
}

// Options configure a Reconciler.
type Options struct {
	Actor          string // recorded in the audit log; defaults to the OS user
	InstallCommand string // run on a node before its registration probe
	Logger         *logrus.Entry
}

// Reconciler is the orchestrator. It assumes it is the ledger's only writer
// for the duration of a call; concurrent writers are caught by record
// versioning, not serialized.
type Reconciler struct {
	ledger  store.Ledger
	fleet   Fleet
	actor   string
	install string
	log     *logrus.Entry
	now     func() time.Time
}

func New(ledger store.Ledger, fleet Fleet, opts Options) *Reconciler {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	actor := opts.Actor
	if actor == "" {
		actor = currentUser()
	}
	return &Reconciler{
		ledger:  ledger,
		fleet:   fleet,
		actor:   actor,
		install: opts.InstallCommand,
		log:     log.WithField("component", "reconcile"),
		now:     time.Now,
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

// Phase is a step of the invocation state machine.
type Phase string

const (
	PhaseIdle        Phase = "Idle"
	PhaseValidating  Phase = "Validating"
	PhaseDiffing     Phase = "Diffing"
	PhaseDispatching Phase = "Dispatching"
	PhaseReporting   Phase = "Reporting"
)

// invocation carries one run's identity and phase.
type invocation struct {
	id    string
	op    string
	phase Phase
	log   *logrus.Entry
}

func (r *Reconciler) begin(op string) *invocation {
	id := uuid.NewString()
	return &invocation{
		id:    id,
		op:    op,
		phase: PhaseIdle,
		log:   r.log.WithFields(logrus.Fields{"run": id, "op": op}),
	}
}

func (inv *invocation) enter(p Phase) {
	inv.log.WithFields(logrus.Fields{"from": inv.phase, "to": p}).Debug("phase")
	inv.phase = p
}

func (r *Reconciler) audit(ctx context.Context, runID, action, target, detail string) {
	e := model.AuditEntry{
		RunID:     runID,
		Actor:     r.actor,
		Action:    action,
		Target:    target,
		Detail:    detail,
		Timestamp: r.now(),
	}
	if err := r.ledger.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		r.log.WithError(err).WithField("action", action).Warn("audit append failed")
	}
}

// summary renders report counts as "Created=2 Failed=1".
func summary(counts map[model.Outcome]int) string {
	parts := make([]string, 0, len(counts))
	for o, n := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", o, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

// observe folds a probe into the node's stored status.
func observe(n *model.Node, p dispatch.Probe, now time.Time) {
	n.UpdatedAt = now
	if p.Err != nil {
		n.Health = model.HealthUnhealthy
		n.Message = p.Err.Error()
		return
	}
	n.Health = p.Status.Health
	n.Cordoned = p.Status.Cordoned
	n.AgentBuild = p.Status.Build
	n.Message = ""
	n.LastContact = now
}

// contact records the result of dispatching to a node.
func contact(n *model.Node, err error, now time.Time) {
	n.UpdatedAt = now
	var te *model.TransportError
	if errors.As(err, &te) {
		n.Health = model.HealthUnhealthy
		n.Message = err.Error()
		return
	}
	n.Health = model.HealthHealthy
	n.Message = ""
	n.LastContact = now
}

func isNotFound(err error) bool { return errors.Is(err, model.ErrNotFound) }
