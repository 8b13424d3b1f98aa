package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"graphmerge/internal/complexmodel"
	"graphmerge/pkg/domain"
)

type fixture struct {
	germany  int64
	address  int64
	shipment int64
	customer int64
	tags     []int64
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(complexmodel.MustRegistry(), nil)
}

// seedCustomer writes the reference data and one customer owning two
// addresses and two tags.
func seedCustomer(t *testing.T, store *Store) fixture {
	t.Helper()
	var fx fixture
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		ref, err := complexmodel.SeedReference(tx)
		if err != nil {
			return err
		}
		fx.germany = ref.Germany
		primary, err := tx.CreateRow(complexmodel.TypeAddress, domain.Row{Fields: map[string]any{"city": "Ingolstadt", "countryId": ref.Germany}})
		if err != nil {
			return err
		}
		shipment, err := tx.CreateRow(complexmodel.TypeAddress, domain.Row{Fields: map[string]any{"city": "Oberding", "countryId": ref.Germany}})
		if err != nil {
			return err
		}
		customer, err := tx.CreateRow(complexmodel.TypeCustomer, domain.Row{Fields: map[string]any{
			"customerName":      "Super Customer",
			"customerKindId":    int64(complexmodel.CustomerKindCompany),
			"primaryAddressId":  primary.ID,
			"shipmentAddressId": shipment.ID,
		}})
		if err != nil {
			return err
		}
		fx.address, fx.shipment, fx.customer = primary.ID, shipment.ID, customer.ID
		for _, name := range []string{"SuperPlus", "Marketing Campaign1"} {
			tag, err := tx.CreateRow(complexmodel.TypeTag, domain.Row{Fields: map[string]any{"name": name, "organizationId": customer.ID}})
			if err != nil {
				return err
			}
			fx.tags = append(fx.tags, tag.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return fx
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := newTestStore(t)
	fx := seedCustomer(t, store)

	if got := len(store.ListRows("tags")); got != 2 {
		t.Fatalf("expected 2 tags, got %d", got)
	}
	row, ok := store.FindRow(complexmodel.TypeOrganization, fx.customer)
	if !ok {
		t.Fatalf("expected customer to be found through its base type")
	}
	if row.Type != complexmodel.TypeCustomer || row.Fields["organizationType"] != "Customer" {
		t.Fatalf("expected discriminator to be stored, got %+v", row)
	}
	if row.Version != 1 {
		t.Fatalf("expected version 1, got %d", row.Version)
	}

	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	if len(store.ListRows("organizations")) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snapshot)
	if len(store.ListRows("organizations")) != 1 {
		t.Fatalf("expected restored state")
	}
	if store.RulesEngine() == nil {
		t.Fatalf("expected rules engine")
	}
	if store.NowFunc() == nil {
		t.Fatalf("expected now func")
	}
	if store.Registry() == nil {
		t.Fatalf("expected registry")
	}
}

func TestStoreRuleViolation(t *testing.T) {
	store := NewStore(complexmodel.MustRegistry(), domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateRow(complexmodel.TypeCountry, domain.Row{Fields: map[string]any{"name": "Austria", "isoCode": "AT"}})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation error, got %v", err)
	}
	if len(store.ListRows("countries")) != 0 {
		t.Fatalf("expected blocked transaction to be rolled back")
	}
}

func TestCommitHookGatesCommit(t *testing.T) {
	store := newTestStore(t)
	var seen []int
	hookErr := errors.New("disk full")
	fail := false
	store.SetCommitHook(func(_ context.Context, snap Snapshot) error {
		seen = append(seen, len(snap.Tables["countries"]))
		if fail {
			return hookErr
		}
		return nil
	})
	insert := func(iso string) error {
		_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
			_, e := tx.CreateRow(complexmodel.TypeCountry, domain.Row{Fields: map[string]any{"name": iso, "isoCode": iso}})
			return e
		})
		return err
	}

	if err := insert("AT"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	fail = true
	if err := insert("CH"); !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if rows := store.ListRows("countries"); len(rows) != 1 || rows[0].Fields["isoCode"] != "AT" {
		t.Fatalf("expected only the first country committed, got %+v", rows)
	}
	if seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("expected the hook to see the pending state, got %v", seen)
	}

	store.SetCommitHook(nil)
	if err := insert("CH"); err != nil {
		t.Fatalf("insert without hook: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected removed hook to stay silent, got %v", seen)
	}
	if row, _ := store.FindRow(complexmodel.TypeCountry, 2); row.Fields["isoCode"] != "CH" {
		t.Fatalf("expected the aborted identity to be handed out again, got %+v", row)
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(_ context.Context, _ domain.RuleView, _ []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	res.Merge(domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock}}})
	return res, nil
}

func TestCreateRowValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cases := []struct {
		name     string
		typeName string
		row      domain.Row
	}{
		{"abstract type", complexmodel.TypeOrganization, domain.Row{}},
		{"unknown type", "Planet", domain.Row{}},
		{"unknown field", complexmodel.TypeCountry, domain.Row{Fields: map[string]any{"population": 1}}},
		{"not nullable", complexmodel.TypeCountry, domain.Row{Fields: map[string]any{"name": nil}}},
		{"wrong type", complexmodel.TypeCustomerKind, domain.Row{Fields: map[string]any{"name": []string{"x"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
				_, err := tx.CreateRow(tc.typeName, tc.row)
				return err
			})
			if err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestCreateRowExplicitIdentityAdvancesSequence(t *testing.T) {
	store := newTestStore(t)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateRow(complexmodel.TypeCountry, domain.Row{ID: 7, Fields: map[string]any{"name": "Austria", "isoCode": "AT"}}); err != nil {
			return err
		}
		if _, err := tx.CreateRow(complexmodel.TypeCountry, domain.Row{ID: 7, Fields: map[string]any{"name": "Dup", "isoCode": "DU"}}); err == nil {
			t.Fatalf("expected duplicate identity to fail")
		}
		next, err := tx.CreateRow(complexmodel.TypeCountry, domain.Row{Fields: map[string]any{"name": "Italy", "isoCode": "IT"}})
		if err != nil {
			return err
		}
		if next.ID != 8 {
			t.Fatalf("expected sequence to continue at 8, got %d", next.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestUpdateAndDeleteRow(t *testing.T) {
	store := newTestStore(t)
	fx := seedCustomer(t, store)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return fixed })

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		updated, err := tx.UpdateRow(complexmodel.TypeCustomer, fx.customer, func(r *domain.Row) error {
			r.Fields["customerName"] = "Renamed"
			r.ID = 999
			r.Type = complexmodel.TypeGovernment
			return nil
		})
		if err != nil {
			return err
		}
		if updated.ID != fx.customer || updated.Type != complexmodel.TypeCustomer {
			t.Fatalf("mutator must not change identity or type: %+v", updated)
		}
		if updated.Version != 2 || !updated.UpdatedAt.Equal(fixed) {
			t.Fatalf("expected version bump and timestamp, got %+v", updated)
		}
		if _, err := tx.UpdateRow(complexmodel.TypeCustomer, 404, func(*domain.Row) error { return nil }); err == nil {
			t.Fatalf("expected missing row error")
		}
		mutErr := errors.New("boom")
		if _, err := tx.UpdateRow(complexmodel.TypeCustomer, fx.customer, func(*domain.Row) error { return mutErr }); !errors.Is(err, mutErr) {
			t.Fatalf("expected mutator error, got %v", err)
		}
		if err := tx.DeleteRow(complexmodel.TypeAddress, fx.address); err == nil {
			t.Fatalf("expected referenced address delete to fail")
		}
		var notFound domain.ErrNotFound
		if err := tx.DeleteRow(complexmodel.TypeTag, 404); !errors.As(err, &notFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		return tx.DeleteRow(complexmodel.TypeTag, fx.tags[0])
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if got := len(store.ListRows("tags")); got != 1 {
		t.Fatalf("expected 1 tag after delete, got %d", got)
	}
	row, _ := store.FindRow(complexmodel.TypeCustomer, fx.customer)
	if row.Fields["customerName"] != "Renamed" {
		t.Fatalf("expected committed rename, got %v", row.Fields["customerName"])
	}
}

func TestFindMaterializesOwnedGraph(t *testing.T) {
	store := newTestStore(t)
	fx := seedCustomer(t, store)

	err := store.View(context.Background(), func(view domain.TransactionView) error {
		n, ok := view.Find(complexmodel.TypeOrganization, fx.customer)
		if !ok {
			t.Fatalf("expected customer graph")
		}
		if n.Type != complexmodel.TypeCustomer || n.Version != 1 {
			t.Fatalf("unexpected root %+v", n)
		}
		addr, set := n.Ref("primaryAddress")
		if !set || addr == nil || addr.ID != fx.address {
			t.Fatalf("expected primary address to be loaded, got %v", addr)
		}
		if addr.Referrers != 1 {
			t.Fatalf("expected address to have one referrer, got %d", addr.Referrers)
		}
		if _, set := addr.Ref("country"); set {
			t.Fatalf("aggregation targets must not be loaded")
		}
		if city, _ := addr.Field("city"); city != "Ingolstadt" {
			t.Fatalf("unexpected city %v", city)
		}
		tags, set := n.Collection("tags")
		if !set || len(tags) != 2 {
			t.Fatalf("expected 2 tags, got %d", len(tags))
		}
		if owner, _ := tags[0].Field("organizationId"); owner != fx.customer {
			t.Fatalf("expected tag back-reference, got %v", owner)
		}
		if notes, set := n.Collection("notes"); !set || len(notes) != 0 {
			t.Fatalf("expected empty notes collection to be specified")
		}
		if _, ok := view.Find(complexmodel.TypeGovernment, fx.customer); ok {
			t.Fatalf("expected lookup through a sibling type to fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestFindLoadsShallowHierarchyChildren(t *testing.T) {
	store := newTestStore(t)
	var parent, child, grandchild int64
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := complexmodel.SeedReference(tx); err != nil {
			return err
		}
		create := func(name string, parentID any) int64 {
			row, err := tx.CreateRow(complexmodel.TypeCustomer, domain.Row{Fields: map[string]any{
				"name": name, "customerKindId": 1, "parentId": parentID,
			}})
			if err != nil {
				t.Fatalf("create %s: %v", name, err)
			}
			return row.ID
		}
		parent = create("Parent", nil)
		child = create("Child", parent)
		grandchild = create("ChildChild", child)
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	err = store.View(context.Background(), func(view domain.TransactionView) error {
		n, _ := view.Find(complexmodel.TypeCustomer, parent)
		children, _ := n.Collection("children")
		if len(children) != 1 || children[0].ID != child {
			t.Fatalf("expected one child, got %v", children)
		}
		if _, set := children[0].Collection("children"); set {
			t.Fatalf("expected hierarchy children to be shallow")
		}
		if n.Referrers != 1 {
			t.Fatalf("expected the child to count as referrer, got %d", n.Referrers)
		}
		c, _ := view.Find(complexmodel.TypeCustomer, child)
		grand, _ := c.Collection("children")
		if len(grand) != 1 || grand[0].ID != grandchild {
			t.Fatalf("expected grandchild under child, got %v", grand)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestImportStateNormalizesDecodedSnapshot(t *testing.T) {
	store := newTestStore(t)
	fx := seedCustomer(t, store)

	data, err := json.Marshal(store.ExportState())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Snapshot
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	decoded.Tables["organizations"][fx.customer].Fields["legacy"] = "dropped"
	decoded.Tables["planets"] = map[int64]domain.Row{1: {ID: 1, Type: "Planet"}}

	restored := newTestStore(t)
	restored.ImportState(decoded)
	row, ok := restored.FindRow(complexmodel.TypeCustomer, fx.customer)
	if !ok {
		t.Fatalf("expected customer after import")
	}
	if _, isInt := row.Fields["primaryAddressId"].(int64); !isInt {
		t.Fatalf("expected foreign key normalized to int64, got %T", row.Fields["primaryAddressId"])
	}
	if _, ok := row.Fields["legacy"]; ok {
		t.Fatalf("expected unknown field to be dropped")
	}
	_, err = restored.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		tag, err := tx.CreateRow(complexmodel.TypeTag, domain.Row{Fields: map[string]any{"name": "next", "organizationId": fx.customer}})
		if err != nil {
			return err
		}
		if tag.ID != fx.tags[1]+1 {
			t.Fatalf("expected sequence to survive import, got %d", tag.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}
