package complexmodel

import (
	"fmt"

	"graphmerge/pkg/domain"
)

// Reference holds the identities of the seeded reference rows.
type Reference struct {
	Germany int64
	Kinds   map[CustomerKindID]int64
}

// SeedReference writes the customer kinds, under their enum identities, and
// the single country every address points at.
func SeedReference(tx domain.Transaction) (Reference, error) {
	ref := Reference{Kinds: make(map[CustomerKindID]int64)}
	for _, kind := range CustomerKindIDs() {
		row, err := tx.CreateRow(TypeCustomerKind, domain.Row{
			ID:     int64(kind),
			Fields: map[string]any{"name": kind.FriendlyName()},
		})
		if err != nil {
			return Reference{}, fmt.Errorf("seed customer kind %d: %w", kind, err)
		}
		ref.Kinds[kind] = row.ID
	}
	germany, err := tx.CreateRow(TypeCountry, domain.Row{
		Fields: map[string]any{"name": "Germany", "isoCode": "DE"},
	})
	if err != nil {
		return Reference{}, fmt.Errorf("seed country: %w", err)
	}
	ref.Germany = germany.ID
	return ref, nil
}

// SuperCustomer returns the new company customer the scenarios start from:
// two owned addresses in Germany and two tags.
func SuperCustomer(ref Reference) *Customer {
	c := NewCustomer()
	c.CustomerKindID = CustomerKindCompany
	c.CustomerName = Ptr("Super Customer")
	c.PrimaryAddress = &Address{
		Street:     Ptr("Hauptstraße"),
		PostalCode: Ptr("85049"),
		City:       Ptr("Ingolstadt"),
		CountryID:  Ptr(ref.Germany),
	}
	c.ShipmentAddress = &Address{
		Street:     Ptr("Terminalstraße Mitte"),
		PostalCode: Ptr("85445"),
		City:       Ptr("Oberding"),
		CountryID:  Ptr(ref.Germany),
	}
	c.Tags = []Tag{{Name: "SuperPlus"}, {Name: "Marketing Campaign1"}}
	return c
}
