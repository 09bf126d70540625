package models

import (
	"fmt"
	"strconv"
	"time"
)

// EntityType identifies a mirrored table.
type EntityType string

const (
	EntitySeller EntityType = "seller"
	EntityBuyer  EntityType = "buyer"
)

// Entity is a seller or buyer row. Domain columns are kept as text because
// the spreadsheet mirror stores every cell as text as well.
type Entity struct {
	ID            int64             `json:"id"`
	Type          EntityType        `json:"type"`
	Key           string            `json:"key"`
	Fields        map[string]string `json:"fields"`
	SyncStatus    string            `json:"sync_status"`
	LastSyncedAt  *time.Time        `json:"last_synced_at"`
	LastSyncError *string           `json:"last_sync_error"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Field returns the value of a domain field or "" when unset.
func (e *Entity) Field(name string) string {
	if e == nil || e.Fields == nil {
		return ""
	}
	return e.Fields[name]
}

var (
	SellerFields = []string{
		"name",
		"address",
		"phone",
		"email",
		"property_type",
		"property_address",
		"asking_price",
		"valuation_amount",
		"status",
		"assignee",
		"next_call_date",
		"notes",
	}

	BuyerFields = []string{
		"name",
		"phone",
		"email",
		"desired_area",
		"desired_property_type",
		"budget",
		"status",
		"assignee",
		"latest_viewing_date",
		"notes",
	}
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == EntitySeller || t == EntityBuyer
}

// Table returns the relational table backing the entity type.
func (t EntityType) Table() string {
	switch t {
	case EntitySeller:
		return "sellers"
	case EntityBuyer:
		return "buyers"
	default:
		return ""
	}
}

// KeyColumn returns the business key column.
func (t EntityType) KeyColumn() string {
	switch t {
	case EntitySeller:
		return "seller_number"
	case EntityBuyer:
		return "buyer_number"
	default:
		return ""
	}
}

// FieldNames lists the domain columns that may be updated and mirrored.
func (t EntityType) FieldNames() []string {
	switch t {
	case EntitySeller:
		return SellerFields
	case EntityBuyer:
		return BuyerFields
	default:
		return nil
	}
}

// HasField reports whether name is a domain column of t.
func (t EntityType) HasField(name string) bool {
	for _, f := range t.FieldNames() {
		if f == name {
			return true
		}
	}
	return false
}

// FormatKey renders a sequence value as a business key.
func (t EntityType) FormatKey(seq int64) string {
	if t == EntitySeller {
		return fmt.Sprintf("AA%05d", seq)
	}
	return strconv.FormatInt(seq, 10)
}

// ParseEntityType validates raw input such as a URL segment.
func ParseEntityType(raw string) (EntityType, error) {
	switch raw {
	case "seller", "sellers":
		return EntitySeller, nil
	case "buyer", "buyers":
		return EntityBuyer, nil
	default:
		return "", fmt.Errorf("unknown entity type %q", raw)
	}
}
