package columns

import "realtysync/internal/models"

const (
	SellerKeyHeader = "Seller Number"
	BuyerKeyHeader  = "Buyer Number"
	EditorHeader    = "Last Editor"
)

var sellerPairs = []Pair{
	{"name", "Name"},
	{"address", "Owner Address"},
	{"phone", "Phone"},
	{"email", "Email"},
	{"property_type", "Property Type"},
	{"property_address", "Property Address"},
	{"asking_price", "Asking Price"},
	{"valuation_amount", "Valuation"},
	{"status", "Status"},
	{"assignee", "Assignee"},
	{"next_call_date", "Next Call"},
	{"notes", "Notes"},
}

var buyerPairs = []Pair{
	{"name", "Name"},
	{"phone", "Phone"},
	{"email", "Email"},
	{"desired_area", "Desired Area"},
	{"desired_property_type", "Desired Type"},
	{"budget", "Budget"},
	{"status", "Status"},
	{"assignee", "Assignee"},
	{"latest_viewing_date", "Latest Viewing"},
	{"notes", "Notes"},
}

var (
	sellerMapper = NewMapper(models.EntitySeller, SellerKeyHeader, EditorHeader, sellerPairs)
	buyerMapper  = NewMapper(models.EntityBuyer, BuyerKeyHeader, EditorHeader, buyerPairs)
)

// SellerMapper maps seller rows to the sellers sheet.
func SellerMapper() *Mapper { return sellerMapper }

// BuyerMapper maps buyer rows to the buyers sheet.
func BuyerMapper() *Mapper { return buyerMapper }

// ForEntity returns the mapper for an entity type, or nil.
func ForEntity(t models.EntityType) *Mapper {
	switch t {
	case models.EntitySeller:
		return sellerMapper
	case models.EntityBuyer:
		return buyerMapper
	default:
		return nil
	}
}
