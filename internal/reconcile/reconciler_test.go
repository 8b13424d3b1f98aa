package reconcile

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"graphmerge/internal/complexmodel"
	"graphmerge/pkg/domain"
	"graphmerge/pkg/graph"
	"graphmerge/pkg/schema"
)

func reconcile(t *testing.T, src *fakeSource, declared string, incoming *graph.Node) domain.Plan {
	t.Helper()
	plan, err := New(src.reg).Reconcile(src, declared, incoming)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return plan
}

func kinds(plan domain.Plan) []domain.OpKind {
	out := make([]domain.OpKind, len(plan.Operations))
	for i, op := range plan.Operations {
		out[i] = op.Kind
	}
	return out
}

func assertKinds(t *testing.T, plan domain.Plan, want ...domain.OpKind) {
	t.Helper()
	if got := kinds(plan); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected operations %v, got %v (%v)", want, got, plan.Operations)
	}
}

func TestReconcileInsertsNewGraphInDependencyOrder(t *testing.T) {
	src := seededSource(t)
	incoming := graph.New(complexmodel.TypeCustomer, 0).
		Set("organizationType", "Customer").
		Set("customerName", "New Customer").
		Set("customerKindId", int64(complexmodel.CustomerKindCompany)).
		SetRef("primaryAddress", graph.New(complexmodel.TypeAddress, 0).Set("city", "Berlin").Set("countryId", germany)).
		SetCollection("tags",
			graph.New(complexmodel.TypeTag, 0).Set("name", "a"),
			graph.New(complexmodel.TypeTag, 0).Set("name", "b"),
		)

	plan := reconcile(t, src, complexmodel.TypeCustomer, incoming)
	assertKinds(t, plan, domain.OpInsert, domain.OpInsert, domain.OpInsert, domain.OpInsert)

	customer := domain.Ref{Type: complexmodel.TypeCustomer, Temp: 1}
	addr := domain.Ref{Type: complexmodel.TypeAddress, Temp: 2}
	if plan.Root != customer {
		t.Fatalf("expected root %v, got %v", customer, plan.Root)
	}
	if plan.Operations[0].Target != addr {
		t.Fatalf("expected owned address first, got %v", plan.Operations[0].Target)
	}
	if got := plan.Operations[0].Links["countryId"]; got != (domain.Ref{Type: complexmodel.TypeCountry, ID: germany}) {
		t.Fatalf("expected country link, got %v", got)
	}
	cust := plan.Operations[1]
	if cust.Target != customer || cust.Links["primaryAddressId"] != addr {
		t.Fatalf("unexpected customer insert %+v", cust)
	}
	if cust.Links["customerKindId"] != (domain.Ref{Type: complexmodel.TypeCustomerKind, ID: 1}) {
		t.Fatalf("expected customer kind link, got %v", cust.Links["customerKindId"])
	}
	if cust.Fields["organizationType"] != "Customer" {
		t.Fatalf("expected discriminator on insert, got %v", cust.Fields)
	}
	if _, ok := cust.Fields["customerKindId"]; ok {
		t.Fatalf("foreign keys belong in links, got %v", cust.Fields)
	}
	for _, op := range plan.Operations[2:] {
		if op.Links["organizationId"] != customer {
			t.Fatalf("expected derived back-reference to the new customer, got %v", op.Links)
		}
	}
}

func TestReconcileUnchangedGraphIsEmpty(t *testing.T) {
	src := seededSource(t)
	plan := reconcile(t, src, complexmodel.TypeCustomer, loaded(t, src, complexmodel.TypeCustomer, 100))
	if !plan.Empty() {
		t.Fatalf("expected empty plan, got %v", plan.Operations)
	}
	if plan.Root != (domain.Ref{Type: complexmodel.TypeCustomer, ID: 100}) {
		t.Fatalf("unexpected root %v", plan.Root)
	}
}

func TestReconcileScalarUpdateCarriesVersion(t *testing.T) {
	src := seededSource(t)
	plan := reconcile(t, src, complexmodel.TypeCustomer, graph.New(complexmodel.TypeCustomer, 100).Set("customerName", "Renamed"))
	assertKinds(t, plan, domain.OpUpdate)
	op := plan.Operations[0]
	if op.Fields["customerName"] != "Renamed" || op.Before["customerName"] != "Super Customer" {
		t.Fatalf("unexpected update %+v", op)
	}
	if op.Version != 1 {
		t.Fatalf("expected observed version 1, got %d", op.Version)
	}
}

func TestReconcileNormalizesScalars(t *testing.T) {
	src := seededSource(t)
	// JSON numbers arrive as float64.
	plan := reconcile(t, src, complexmodel.TypeCustomer, graph.New(complexmodel.TypeCustomer, 100).Set("customerKindId", 2.0))
	assertKinds(t, plan, domain.OpRelink)
	if link := plan.Operations[0].Link; link == nil || link.ID != 2 {
		t.Fatalf("expected relink to kind 2, got %v", plan.Operations[0])
	}
}

func TestReconcileCompositionCollection(t *testing.T) {
	customer := domain.Ref{Type: complexmodel.TypeCustomer, ID: 100}
	cases := []struct {
		name    string
		members []*graph.Node
		kinds   []domain.OpKind
		deleted []int64
	}{
		{
			name: "keeps listed members and inserts new ones",
			members: []*graph.Node{
				graph.New(complexmodel.TypeTag, 21).Set("name", "Marketing Campaign1"),
				graph.New(complexmodel.TypeTag, 0).Set("name", "Gold"),
			},
			kinds:   []domain.OpKind{domain.OpInsert, domain.OpDelete},
			deleted: []int64{20},
		},
		{
			name:    "empty collection deletes every member",
			kinds:   []domain.OpKind{domain.OpDelete, domain.OpDelete},
			deleted: []int64{20, 21},
		},
		{
			name: "member scalar change",
			members: []*graph.Node{
				graph.New(complexmodel.TypeTag, 20),
				graph.New(complexmodel.TypeTag, 21).Set("name", "Campaign2"),
			},
			kinds: []domain.OpKind{domain.OpUpdate},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := seededSource(t)
			plan := reconcile(t, src, complexmodel.TypeCustomer, graph.New(complexmodel.TypeCustomer, 100).SetCollection("tags", tc.members...))
			assertKinds(t, plan, tc.kinds...)
			var deleted []int64
			for _, op := range plan.Of(domain.OpDelete) {
				if op.Version != 1 {
					t.Fatalf("expected delete to carry version, got %+v", op)
				}
				deleted = append(deleted, op.Target.ID)
			}
			if !reflect.DeepEqual(deleted, tc.deleted) {
				t.Fatalf("expected deletes %v, got %v", tc.deleted, deleted)
			}
			for _, op := range plan.Of(domain.OpInsert) {
				if op.Links["organizationId"] != customer {
					t.Fatalf("expected new member linked to its owner, got %v", op.Links)
				}
			}
		})
	}
}

func TestReconcileUnspecifiedNavigationsAreUntouched(t *testing.T) {
	src := seededSource(t)
	plan := reconcile(t, src, complexmodel.TypeCustomer, graph.New(complexmodel.TypeCustomer, 100).Set("name", "Holding"))
	assertKinds(t, plan, domain.OpUpdate)
}

func TestReconcileSingleComposition(t *testing.T) {
	t.Run("replacement deletes the previous target", func(t *testing.T) {
		src := seededSource(t)
		incoming := graph.New(complexmodel.TypeCustomer, 100).
			SetRef("primaryAddress", graph.New(complexmodel.TypeAddress, 0).Set("city", "Berlin").Set("countryId", germany))
		plan := reconcile(t, src, complexmodel.TypeCustomer, incoming)
		assertKinds(t, plan, domain.OpInsert, domain.OpRelink, domain.OpDelete)
		relink := plan.Operations[1]
		if relink.Field != "primaryAddressId" || relink.Link == nil || *relink.Link != plan.Operations[0].Target {
			t.Fatalf("expected relink to the new address, got %v", relink)
		}
		if plan.Operations[2].Target != (domain.Ref{Type: complexmodel.TypeAddress, ID: 10}) {
			t.Fatalf("expected old address deleted, got %v", plan.Operations[2])
		}
	})

	t.Run("null unlinks and deletes", func(t *testing.T) {
		src := seededSource(t)
		plan := reconcile(t, src, complexmodel.TypeCustomer, graph.New(complexmodel.TypeCustomer, 100).SetRef("shipmentAddress", nil))
		assertKinds(t, plan, domain.OpRelink, domain.OpDelete)
		if plan.Operations[0].Link != nil || plan.Operations[0].Field != "shipmentAddressId" {
			t.Fatalf("expected unlink, got %v", plan.Operations[0])
		}
		if plan.Operations[1].Target.ID != 11 {
			t.Fatalf("expected shipment address deleted, got %v", plan.Operations[1])
		}
	})

	t.Run("shared target survives", func(t *testing.T) {
		src := seededSource(t)
		src.rows[rowKey("addresses", 10)].Referrers = 2
		plan := reconcile(t, src, complexmodel.TypeCustomer, graph.New(complexmodel.TypeCustomer, 100).SetRef("primaryAddress", nil))
		assertKinds(t, plan, domain.OpRelink)
	})

	t.Run("shared target released by every referrer", func(t *testing.T) {
		src := seededSource(t)
		customer := src.rows[rowKey("organizations", 100)]
		shared := src.rows[rowKey("addresses", 10)]
		shared.Referrers = 2
		customer.Set("shipmentAddressId", int64(10)).SetRef("shipmentAddress", shared)

		incoming := graph.New(complexmodel.TypeCustomer, 100).
			SetRef("primaryAddress", nil).
			SetRef("shipmentAddress", nil)
		plan := reconcile(t, src, complexmodel.TypeCustomer, incoming)
		assertKinds(t, plan, domain.OpRelink, domain.OpRelink, domain.OpDelete)
		if plan.Operations[2].Target != (domain.Ref{Type: complexmodel.TypeAddress, ID: 10}) {
			t.Fatalf("expected the shared address deleted once, got %v", plan.Operations)
		}

		plan = reconcile(t, src, complexmodel.TypeCustomer, graph.New(complexmodel.TypeCustomer, 100).SetRef("shipmentAddress", nil))
		assertKinds(t, plan, domain.OpRelink)
	})

	t.Run("nested change on kept target", func(t *testing.T) {
		src := seededSource(t)
		incoming := graph.New(complexmodel.TypeCustomer, 100).
			SetRef("primaryAddress", graph.New(complexmodel.TypeAddress, 10).Set("street", "Ringstraße"))
		plan := reconcile(t, src, complexmodel.TypeCustomer, incoming)
		assertKinds(t, plan, domain.OpUpdate)
		if plan.Operations[0].Target != (domain.Ref{Type: complexmodel.TypeAddress, ID: 10}) {
			t.Fatalf("expected address update, got %v", plan.Operations[0])
		}
	})
}

func TestReconcileAggregationOnlyRelinks(t *testing.T) {
	t.Run("target changes are ignored", func(t *testing.T) {
		src := seededSource(t)
		incoming := graph.New(complexmodel.TypeCustomer, 100).
			SetRef("customerKind", graph.New(complexmodel.TypeCustomerKind, 2).Set("name", "Changed"))
		plan := reconcile(t, src, complexmodel.TypeCustomer, incoming)
		assertKinds(t, plan, domain.OpRelink)
		want := domain.Ref{Type: complexmodel.TypeCustomerKind, ID: 2}
		if op := plan.Operations[0]; op.Field != "customerKindId" || op.Link == nil || *op.Link != want {
			t.Fatalf("expected relink to %v, got %v", want, op)
		}
	})

	t.Run("target without identity is ignored", func(t *testing.T) {
		src := seededSource(t)
		incoming := graph.New(complexmodel.TypeCustomer, 100).
			SetRef("primaryAddress", graph.New(complexmodel.TypeAddress, 10).
				SetRef("country", graph.New(complexmodel.TypeCountry, 0).Set("name", "Atlantis")))
		plan := reconcile(t, src, complexmodel.TypeCustomer, incoming)
		if !plan.Empty() {
			t.Fatalf("expected empty plan, got %v", plan.Operations)
		}
	})
}

func TestReconcileHierarchy(t *testing.T) {
	gov := func(id int64) domain.Ref { return domain.Ref{Type: complexmodel.TypeGovernment, ID: id} }

	t.Run("parent key", func(t *testing.T) {
		src := seededSource(t)
		plan := reconcile(t, src, complexmodel.TypeOrganization, graph.New(complexmodel.TypeOrganization, 202).Set("parentId", int64(201)))
		assertKinds(t, plan, domain.OpRelink)
		op := plan.Operations[0]
		if op.Target != gov(202) || op.Field != "parentId" || op.Link == nil || op.Link.ID != 201 {
			t.Fatalf("unexpected relink %v", op)
		}
	})

	t.Run("children collection moves a child", func(t *testing.T) {
		src := seededSource(t)
		incoming := graph.New(complexmodel.TypeOrganization, 202).SetCollection("children", graph.New(complexmodel.TypeOrganization, 201))
		plan := reconcile(t, src, complexmodel.TypeOrganization, incoming)
		assertKinds(t, plan, domain.OpRelink)
		op := plan.Operations[0]
		if op.Target != gov(201) || op.Link == nil || *op.Link != gov(202) {
			t.Fatalf("unexpected relink %v", op)
		}
	})

	t.Run("removal from children unlinks", func(t *testing.T) {
		src := seededSource(t)
		plan := reconcile(t, src, complexmodel.TypeOrganization, graph.New(complexmodel.TypeOrganization, 200).SetCollection("children"))
		assertKinds(t, plan, domain.OpRelink)
		op := plan.Operations[0]
		if op.Target != gov(201) || op.Link != nil || op.Version != 1 {
			t.Fatalf("unexpected relink %v", op)
		}
	})

	t.Run("new child inherits the owner as parent", func(t *testing.T) {
		src := seededSource(t)
		incoming := graph.New(complexmodel.TypeOrganization, 202).SetCollection("children",
			graph.New(complexmodel.TypeOrganization, 0).Set("organizationType", "Government").Set("name", "Ortsteil"))
		plan := reconcile(t, src, complexmodel.TypeOrganization, incoming)
		assertKinds(t, plan, domain.OpInsert)
		if got := plan.Operations[0].Links["parentId"]; got != gov(202) {
			t.Fatalf("expected parent link to 202, got %v", got)
		}
	})

	t.Run("cyclic incoming graph", func(t *testing.T) {
		src := seededSource(t)
		// The grandchild points back at its parent node, which the walk has
		// already entered through the children collection.
		incoming := graph.New(complexmodel.TypeOrganization, 200).SetCollection("children",
			graph.New(complexmodel.TypeOrganization, 201).
				Set("parentId", int64(200)).
				SetRef("parent", nil).
				SetCollection("children",
					graph.New(complexmodel.TypeOrganization, 202).SetRef("parent", graph.New(complexmodel.TypeOrganization, 201))))

		pairs, err := Walk(src.reg, src, complexmodel.TypeOrganization, incoming)
		if err != nil {
			t.Fatalf("walk: %v", err)
		}
		if len(pairs) != 3 {
			t.Fatalf("expected each organization entered once, got %d pairs", len(pairs))
		}

		plan := reconcile(t, src, complexmodel.TypeOrganization, incoming)
		assertKinds(t, plan, domain.OpRelink)
		op := plan.Operations[0]
		if op.Target != gov(202) || op.Field != "parentId" || op.Link == nil || *op.Link != gov(201) {
			t.Fatalf("expected 202 moved under 201, got %v", op)
		}
	})

	t.Run("consistent edit on both sides", func(t *testing.T) {
		src := seededSource(t)
		incoming := graph.New(complexmodel.TypeOrganization, 202).SetCollection("children",
			graph.New(complexmodel.TypeOrganization, 201).Set("parentId", int64(202)))
		plan := reconcile(t, src, complexmodel.TypeOrganization, incoming)
		assertKinds(t, plan, domain.OpRelink)
	})
}

func TestReconcileRejectsInvalidEdits(t *testing.T) {
	cases := []struct {
		name     string
		declared string
		incoming *graph.Node
		want     string
	}{
		{
			name:     "missing root",
			declared: complexmodel.TypeCustomer,
			incoming: graph.New(complexmodel.TypeCustomer, 404),
			want:     "no persisted row",
		},
		{
			name:     "nil graph",
			declared: complexmodel.TypeCustomer,
			want:     "incoming graph is nil",
		},
		{
			name:     "stale composition member",
			declared: complexmodel.TypeCustomer,
			incoming: graph.New(complexmodel.TypeCustomer, 100).SetCollection("tags", graph.New(complexmodel.TypeTag, 99).Set("name", "x")),
			want:     "not a persisted member",
		},
		{
			name:     "duplicate composition member",
			declared: complexmodel.TypeCustomer,
			incoming: graph.New(complexmodel.TypeCustomer, 100).SetCollection("tags",
				graph.New(complexmodel.TypeTag, 21).Set("name", "A"),
				graph.New(complexmodel.TypeTag, 21).Set("name", "B")),
			want: "tags member Tag#21 appears more than once",
		},
		{
			name:     "null collection member",
			declared: complexmodel.TypeCustomer,
			incoming: graph.New(complexmodel.TypeCustomer, 100).SetCollection("tags", nil),
			want:     "tags[0] is null",
		},
		{
			name:     "derived back-reference supplied",
			declared: complexmodel.TypeCustomer,
			incoming: graph.New(complexmodel.TypeCustomer, 100).SetCollection("tags", graph.New(complexmodel.TypeTag, 20).Set("organizationId", int64(100))),
			want:     "back-reference organizationId",
		},
		{
			name:     "unknown field",
			declared: complexmodel.TypeCustomer,
			incoming: graph.New(complexmodel.TypeCustomer, 100).Set("nickname", "x"),
			want:     "unknown field nickname",
		},
		{
			name:     "navigation given as scalar",
			declared: complexmodel.TypeCustomer,
			incoming: graph.New(complexmodel.TypeCustomer, 100).Set("tags", "x"),
			want:     "tags is a navigation",
		},
		{
			name:     "null for non-nullable field",
			declared: complexmodel.TypeCustomer,
			incoming: graph.New(complexmodel.TypeCustomer, 100).Set("customerKindId", nil),
			want:     "not nullable",
		},
		{
			name:     "required reference missing on insert",
			declared: complexmodel.TypeCustomer,
			incoming: graph.New(complexmodel.TypeCustomer, 0).Set("organizationType", "Customer"),
			want:     "required reference customerKindId is missing",
		},
		{
			name:     "required reference unlinked",
			declared: complexmodel.TypeCustomer,
			incoming: graph.New(complexmodel.TypeCustomer, 100).SetRef("customerKind", nil),
			want:     "customerKindId cannot be unlinked",
		},
		{
			name:     "composition target does not exist",
			declared: complexmodel.TypeCustomer,
			incoming: graph.New(complexmodel.TypeCustomer, 100).SetRef("primaryAddress", graph.New(complexmodel.TypeAddress, 404)),
			want:     "does not exist",
		},
		{
			name:     "hierarchy cycle",
			declared: complexmodel.TypeOrganization,
			incoming: graph.New(complexmodel.TypeOrganization, 200).Set("parentId", int64(201)),
			want:     "creates a cycle",
		},
		{
			name:     "self parent",
			declared: complexmodel.TypeOrganization,
			incoming: graph.New(complexmodel.TypeOrganization, 202).Set("parentId", int64(202)),
			want:     "creates a cycle",
		},
		{
			name:     "asymmetric hierarchy edit",
			declared: complexmodel.TypeOrganization,
			incoming: graph.New(complexmodel.TypeOrganization, 202).SetCollection("children",
				graph.New(complexmodel.TypeOrganization, 201).Set("parentId", int64(200))),
			want: "asymmetric hierarchy edit",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := seededSource(t)
			plan, err := New(src.reg).Reconcile(src, tc.declared, tc.incoming)
			var rerr ReconciliationError
			if !errors.As(err, &rerr) {
				t.Fatalf("expected reconciliation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %q", tc.want, err.Error())
			}
			if !plan.Empty() {
				t.Fatalf("expected no plan on error, got %v", plan.Operations)
			}
		})
	}
}

func TestReconcileTypeErrors(t *testing.T) {
	src := seededSource(t)
	r := New(src.reg)

	_, err := r.Reconcile(src, complexmodel.TypeOrganization, graph.New(complexmodel.TypeOrganization, 100).Set("organizationType", "Government"))
	var mismatch schema.TypeMismatchError
	if !errors.As(err, &mismatch) || mismatch.Actual != complexmodel.TypeCustomer {
		t.Fatalf("expected type mismatch, got %v", err)
	}

	_, err = r.Reconcile(src, complexmodel.TypeOrganization, graph.New(complexmodel.TypeOrganization, 0).Set("organizationType", "Alien"))
	var unknown schema.UnknownDiscriminatorError
	if !errors.As(err, &unknown) || unknown.Value != "Alien" {
		t.Fatalf("expected unknown discriminator, got %v", err)
	}

	_, err = r.Reconcile(src, complexmodel.TypeOrganization, graph.New(complexmodel.TypeOrganization, 0).Set("name", "x"))
	if !errors.As(err, &unknown) || unknown.Value != "" {
		t.Fatalf("expected missing discriminator, got %v", err)
	}

	_, err = r.Reconcile(src, complexmodel.TypeGovernment, graph.New(complexmodel.TypeGovernment, 100))
	if !errors.As(err, &mismatch) || mismatch.Actual != complexmodel.TypeCustomer || mismatch.ID != 100 {
		t.Fatalf("expected customer row to mismatch government, got %v", err)
	}

	_, err = r.Reconcile(src, complexmodel.TypeCustomer, graph.New(complexmodel.TypeCustomer, 202).Set("organizationType", "Customer"))
	if !errors.As(err, &mismatch) || mismatch.Actual != complexmodel.TypeGovernment {
		t.Fatalf("expected government row to mismatch customer, got %v", err)
	}
}

func TestReconcileIsDeterministic(t *testing.T) {
	build := func() *graph.Node {
		return graph.New(complexmodel.TypeCustomer, 100).
			Set("customerName", "Renamed").
			SetRef("primaryAddress", graph.New(complexmodel.TypeAddress, 0).Set("city", "Berlin")).
			SetCollection("tags", graph.New(complexmodel.TypeTag, 0).Set("name", "x"), graph.New(complexmodel.TypeTag, 0).Set("name", "y"))
	}
	src := seededSource(t)
	first := reconcile(t, src, complexmodel.TypeCustomer, build())
	for i := 0; i < 5; i++ {
		if next := reconcile(t, src, complexmodel.TypeCustomer, build()); !reflect.DeepEqual(first, next) {
			t.Fatalf("plan differs between runs:\n%v\n%v", first.Operations, next.Operations)
		}
	}
}

func TestWalkVisitsOwnedGraphOnce(t *testing.T) {
	src := seededSource(t)
	incoming := loaded(t, src, complexmodel.TypeCustomer, 100)
	pairs, err := Walk(src.reg, src, complexmodel.TypeCustomer, incoming)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(pairs) != 5 {
		t.Fatalf("expected customer, two addresses and two tags, got %d pairs", len(pairs))
	}
	for _, p := range pairs {
		if p.IsInsert() || p.IsDelete() {
			t.Fatalf("expected only matched pairs, got %s", p.Path)
		}
	}
	if pairs[0].Path != complexmodel.TypeCustomer || pairs[1].Path != "Customer.primaryAddress" {
		t.Fatalf("unexpected visiting order %s, %s", pairs[0].Path, pairs[1].Path)
	}
}
