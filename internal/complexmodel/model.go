// Package complexmodel ships the organization schema used by the end-to-end
// reconciliation scenarios, the entity structs that mirror it, and the seed
// data those scenarios start from.
package complexmodel

import (
	_ "embed"
	"sync"
	"time"

	"graphmerge/pkg/schema"
)

//go:embed schema.hcl
var schemaSource []byte

// SchemaFile is the name reported in diagnostics for the embedded schema.
const SchemaFile = "complexmodel/schema.hcl"

// Registered type names.
const (
	TypeOrganization     = "Organization"
	TypeCustomer         = "Customer"
	TypeGovernment       = "Government"
	TypeAddress          = "Address"
	TypeCountry          = "Country"
	TypeCustomerKind     = "CustomerKind"
	TypeTag              = "Tag"
	TypeOrganizationNote = "OrganizationNote"
)

// CustomerKindID enumerates the customer kinds. The values are the persisted
// identities of the CustomerKind rows.
type CustomerKindID int64

const (
	CustomerKindCompany CustomerKindID = 1
	CustomerKindPrivate CustomerKindID = 2
)

// FriendlyName is the display name stored on the CustomerKind row.
func (k CustomerKindID) FriendlyName() string {
	switch k {
	case CustomerKindCompany:
		return "Company"
	case CustomerKindPrivate:
		return "Private Customer"
	default:
		return "Unknown"
	}
}

// CustomerKindIDs lists every kind in identity order.
func CustomerKindIDs() []CustomerKindID {
	return []CustomerKindID{CustomerKindCompany, CustomerKindPrivate}
}

var loadRegistry = sync.OnceValues(func() (*schema.Registry, error) {
	specs, err := schema.ParseHCL(schemaSource, SchemaFile)
	if err != nil {
		return nil, err
	}
	return schema.NewRegistry(specs...)
})

// Registry returns the registry built from the embedded schema.
func Registry() (*schema.Registry, error) {
	return loadRegistry()
}

// MustRegistry is Registry for tests and static wiring.
func MustRegistry() *schema.Registry {
	reg, err := Registry()
	if err != nil {
		panic(err)
	}
	return reg
}

// Source returns the embedded schema text.
func Source() []byte {
	return append([]byte(nil), schemaSource...)
}

// Country is shared reference data.
type Country struct {
	ID      int64  `json:"id,omitempty"`
	Name    string `json:"name"`
	IsoCode string `json:"isoCode"`
}

// CustomerKind is shared reference data keyed by CustomerKindID.
type CustomerKind struct {
	ID   CustomerKindID `json:"id,omitempty"`
	Name string         `json:"name,omitempty"`
}

// Address is owned by the organization that points at it.
type Address struct {
	ID         int64    `json:"id,omitempty"`
	Street     *string  `json:"street"`
	PostalCode *string  `json:"postalCode"`
	City       *string  `json:"city"`
	CountryID  *int64   `json:"countryId"`
	Country    *Country `json:"country,omitempty"`
}

// Tag belongs to exactly one organization. Its organization key is derived
// from the owner and never encoded.
type Tag struct {
	ID             int64  `json:"id,omitempty"`
	Name           string `json:"name"`
	OrganizationID int64  `json:"-"`
}

// OrganizationNote belongs to exactly one organization.
type OrganizationNote struct {
	ID             int64     `json:"id,omitempty"`
	Date           time.Time `json:"date"`
	Text           *string   `json:"text"`
	OrganizationID int64     `json:"-"`
}

// Organization holds the members shared by every organization subtype.
// Navigations left nil or empty are omitted from the encoding and are
// therefore not specified. Clearing a collection takes a projection.
type Organization struct {
	ID                int64              `json:"id,omitempty"`
	OrganizationType  string             `json:"organizationType"`
	Name              *string            `json:"name"`
	PrimaryAddressID  *int64             `json:"primaryAddressId"`
	ShipmentAddressID *int64             `json:"shipmentAddressId"`
	ParentID          *int64             `json:"parentId"`
	PrimaryAddress    *Address           `json:"primaryAddress,omitempty"`
	ShipmentAddress   *Address           `json:"shipmentAddress,omitempty"`
	Notes             []OrganizationNote `json:"notes,omitempty"`
	Tags              []Tag              `json:"tags,omitempty"`
	// Parent and Children are the two sides of the organization hierarchy.
	// Children must carry a ParentID that agrees with the enclosing entity.
	Parent   *Organization  `json:"parent,omitempty"`
	Children []Organization `json:"children,omitempty"`
}

// Customer is the Customer subtype of Organization.
type Customer struct {
	Organization
	CustomerName   *string        `json:"customerName"`
	CustomerKindID CustomerKindID `json:"customerKindId"`
	CustomerKind   *CustomerKind  `json:"customerKind,omitempty"`
}

// NewCustomer returns a customer with its discriminator set.
func NewCustomer() *Customer {
	return &Customer{Organization: Organization{OrganizationType: TypeCustomer}}
}

// Government is the Government subtype of Organization.
type Government struct {
	Organization
	Authority *string `json:"authority"`
}

// NewGovernment returns a government with its discriminator set.
func NewGovernment() *Government {
	return &Government{Organization: Organization{OrganizationType: TypeGovernment}}
}

// Ptr returns a pointer to v, for the optional members above.
func Ptr[T any](v T) *T { return &v }
