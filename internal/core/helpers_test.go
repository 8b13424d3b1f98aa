package core

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"graphmerge/internal/complexmodel"
	"graphmerge/pkg/domain"
	"graphmerge/pkg/graph"
)

type fixture struct {
	svc *Service
	ref complexmodel.Reference
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	svc := NewInMemoryService(complexmodel.MustRegistry(), opts...)
	var ref complexmodel.Reference
	if _, err := svc.Seed(context.Background(), func(tx Transaction) error {
		var err error
		ref, err = complexmodel.SeedReference(tx)
		return err
	}); err != nil {
		t.Fatalf("seed reference: %v", err)
	}
	return fixture{svc: svc, ref: ref}
}

// superCustomer stores the scenario customer and returns its identity.
func (f fixture) superCustomer(t *testing.T) int64 {
	t.Helper()
	report, err := f.svc.Map(context.Background(), complexmodel.TypeCustomer, complexmodel.SuperCustomer(f.ref))
	if err != nil {
		t.Fatalf("map super customer: %v", err)
	}
	id, ok := report.RootID()
	if !ok {
		t.Fatalf("customer root unresolved: %+v", report.Plan.Root)
	}
	return id
}

func (f fixture) rows(t *testing.T, table string) []domain.Row {
	t.Helper()
	var rows []domain.Row
	if err := f.svc.Store().View(context.Background(), func(view TransactionView) error {
		rows = view.ListRows(table)
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	return rows
}

func (f fixture) row(t *testing.T, typeName string, id int64) domain.Row {
	t.Helper()
	var (
		row domain.Row
		ok  bool
	)
	_ = f.svc.Store().View(context.Background(), func(view TransactionView) error {
		row, ok = view.FindRow(typeName, id)
		return nil
	})
	if !ok {
		t.Fatalf("%s#%d not found", typeName, id)
	}
	return row
}

func (f fixture) load(t *testing.T, typeName string, id int64) *graph.Node {
	t.Helper()
	n, err := f.svc.Load(context.Background(), typeName, id)
	if err != nil {
		t.Fatalf("load %s#%d: %v", typeName, id, err)
	}
	return n
}

// tagID returns the identity of the named tag.
func (f fixture) tagID(t *testing.T, name string) int64 {
	t.Helper()
	for _, row := range f.rows(t, "tags") {
		if row.Fields["name"] == name {
			return row.ID
		}
	}
	t.Fatalf("tag %q not found", name)
	return 0
}

// fullCustomer rebuilds the complete entity of a stored customer, the way a
// client holding the whole object would send it.
func (f fixture) fullCustomer(t *testing.T, id int64) *complexmodel.Customer {
	t.Helper()
	n := f.load(t, complexmodel.TypeCustomer, id)
	c := complexmodel.NewCustomer()
	c.ID = n.ID
	if v, ok := n.Field("customerName"); ok && v != nil {
		c.CustomerName = complexmodel.Ptr(v.(string))
	}
	if v, ok := n.Field("customerKindId"); ok {
		c.CustomerKindID = complexmodel.CustomerKindID(v.(int64))
	}
	c.PrimaryAddress, c.PrimaryAddressID = addressOf(n, "primaryAddress")
	c.ShipmentAddress, c.ShipmentAddressID = addressOf(n, "shipmentAddress")
	tags, _ := n.Collection("tags")
	for _, tag := range tags {
		name, _ := tag.Field("name")
		c.Tags = append(c.Tags, complexmodel.Tag{ID: tag.ID, Name: name.(string)})
	}
	return c
}

func addressOf(n *graph.Node, nav string) (*complexmodel.Address, *int64) {
	target, ok := n.Ref(nav)
	if !ok || target == nil {
		return nil, nil
	}
	addr := &complexmodel.Address{ID: target.ID}
	for name, dst := range map[string]**string{"street": &addr.Street, "postalCode": &addr.PostalCode, "city": &addr.City} {
		if v, ok := target.Field(name); ok && v != nil {
			*dst = complexmodel.Ptr(v.(string))
		}
	}
	if v, ok := target.Field("countryId"); ok && v != nil {
		addr.CountryID = complexmodel.Ptr(v.(int64))
	}
	return addr, complexmodel.Ptr(target.ID)
}
