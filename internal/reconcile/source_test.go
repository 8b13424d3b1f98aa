package reconcile

import (
	"testing"

	"graphmerge/internal/complexmodel"
	"graphmerge/pkg/graph"
	"graphmerge/pkg/schema"
)

const germany = int64(1)

// fakeSource serves fixed persisted graphs keyed by table and identity.
type fakeSource struct {
	reg  *schema.Registry
	rows map[string]*graph.Node
}

func newSource(t *testing.T) *fakeSource {
	t.Helper()
	return &fakeSource{reg: complexmodel.MustRegistry(), rows: make(map[string]*graph.Node)}
}

func (s *fakeSource) put(nodes ...*graph.Node) {
	for _, n := range nodes {
		d, err := s.reg.Describe(n.Type)
		if err != nil {
			panic(err)
		}
		s.rows[rowKey(d.Table, n.ID)] = n
	}
}

func (s *fakeSource) Find(typeName string, id int64) (*graph.Node, bool) {
	d, err := s.reg.Describe(typeName)
	if err != nil {
		return nil, false
	}
	n, ok := s.rows[rowKey(d.Table, id)]
	if !ok || !s.reg.IsA(n.Type, typeName) {
		return nil, false
	}
	return n.Clone(), true
}

func stored(n *graph.Node, referrers int) *graph.Node {
	n.Version = 1
	n.Referrers = referrers
	return n
}

func address(id int64, city string) *graph.Node {
	return stored(graph.New(complexmodel.TypeAddress, id).
		Set("street", nil).
		Set("postalCode", nil).
		Set("city", city).
		Set("countryId", germany), 1)
}

func tag(id int64, name string) *graph.Node {
	return stored(graph.New(complexmodel.TypeTag, id).Set("name", name).Set("organizationId", int64(100)), 0)
}

func government(id int64, name string, parent any, children ...*graph.Node) *graph.Node {
	return stored(graph.New(complexmodel.TypeGovernment, id).
		Set("organizationType", "Government").
		Set("name", name).
		Set("authority", nil).
		Set("primaryAddressId", nil).
		Set("shipmentAddressId", nil).
		Set("parentId", parent).
		SetRef("primaryAddress", nil).
		SetRef("shipmentAddress", nil).
		SetCollection("notes").
		SetCollection("tags").
		SetCollection("children", children...), 0)
}

// seededSource holds customer 100 owning addresses 10 and 11 and tags 20 and
// 21, plus the hierarchy 200 > 201 and a detached government 202.
func seededSource(t *testing.T) *fakeSource {
	t.Helper()
	src := newSource(t)
	primary := address(10, "Ingolstadt")
	shipment := address(11, "Oberding")
	tags := []*graph.Node{tag(20, "SuperPlus"), tag(21, "Marketing Campaign1")}
	customer := stored(graph.New(complexmodel.TypeCustomer, 100).
		Set("organizationType", "Customer").
		Set("name", nil).
		Set("customerName", "Super Customer").
		Set("customerKindId", int64(complexmodel.CustomerKindCompany)).
		Set("primaryAddressId", int64(10)).
		Set("shipmentAddressId", int64(11)).
		Set("parentId", nil).
		SetRef("primaryAddress", primary).
		SetRef("shipmentAddress", shipment).
		SetCollection("notes").
		SetCollection("tags", tags...).
		SetCollection("children"), 0)
	src.put(customer, primary, shipment, tags[0], tags[1])
	src.put(
		stored(graph.New(complexmodel.TypeCountry, germany).Set("name", "Germany").Set("isoCode", "DE"), 2),
		stored(graph.New(complexmodel.TypeCustomerKind, 1).Set("name", "Company"), 1),
		stored(graph.New(complexmodel.TypeCustomerKind, 2).Set("name", "Private"), 0),
	)

	child := government(201, "Bezirk", int64(200))
	src.put(
		government(200, "Land", nil, stored(graph.New(complexmodel.TypeGovernment, 201).
			Set("organizationType", "Government").
			Set("name", "Bezirk").
			Set("parentId", int64(200)), 0)),
		child,
		government(202, "Kommune", nil),
	)
	return src
}

// loaded returns the persisted graph of a row the way a client would send it
// back: derived back-references removed.
func loaded(t *testing.T, src *fakeSource, typeName string, id int64) *graph.Node {
	t.Helper()
	n, ok := src.Find(typeName, id)
	if !ok {
		t.Fatalf("fixture %s#%d missing", typeName, id)
	}
	for _, name := range []string{"tags", "notes"} {
		members, _ := n.Collection(name)
		for _, m := range members {
			m.Unset("organizationId")
		}
	}
	return n
}
