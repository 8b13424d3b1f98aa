// Package reconcile compares a detached object graph with persisted state and
// derives the plan that merges one into the other.
//
// Reconcile runs in two stages. Walk matches incoming nodes to persisted ones
// and collects delete candidates under compositions; Planner turns the matched
// pairs into ordered operations. Every structural problem is reported before a
// plan exists, so a returned plan is always complete.
package reconcile

import (
	"graphmerge/pkg/domain"
	"graphmerge/pkg/graph"
	"graphmerge/pkg/schema"
)

// Reconciler plans merges against a fixed schema.
type Reconciler struct {
	reg *schema.Registry
}

// New returns a reconciler for reg.
func New(reg *schema.Registry) *Reconciler {
	return &Reconciler{reg: reg}
}

// Registry returns the schema the reconciler plans against.
func (r *Reconciler) Registry() *schema.Registry { return r.reg }

// Reconcile plans the merge of incoming, declared as declaredType, into the
// persisted state visible through scope. scope is normally the transaction
// the plan will later be applied in.
func (r *Reconciler) Reconcile(scope Source, declaredType string, incoming *graph.Node) (domain.Plan, error) {
	pairs, err := Walk(r.reg, scope, declaredType, incoming)
	if err != nil {
		return domain.Plan{}, err
	}
	return NewPlanner(r.reg, scope).Plan(pairs)
}
