// Package receipt holds the raw and validated receipt line records.
package receipt

import (
	"strings"
	"time"
)

// UndefinedCategory is the placeholder category some exports use for "unknown".
const UndefinedCategory = "Не определена"

// Text field names accepted by Record.Text.
const (
	FieldMerchant     = "merchant"
	FieldMerchantType = "merchant_type"
	FieldItem         = "item"
)

// Raw is an untrusted receipt line as delivered by an ingestion source.
// Every value is kept as text; coercion happens in Validate.
type Raw struct {
	ID           string
	Source       string
	Merchant     string
	MerchantType string
	Item         string
	Category     string
	Timestamp    string
	Price        string
	Quantity     string
	Total        string
}

// Fields are the typed values of a validated record.
type Fields struct {
	ID           string
	Source       string
	Merchant     string
	MerchantType string
	Item         string
	Category     string
	Timestamp    time.Time
	Price        Money
	Quantity     float64
	Total        Money
}

// Record is a receipt line that passed schema checks. Immutable.
type Record struct {
	f Fields
}

// Restore rebuilds a record from previously validated fields (e.g. a stored materialization).
func Restore(f Fields) Record { return Record{f: f} }

// ID returns the record identifier.
func (r Record) ID() string { return r.f.ID }

// Source returns the ingestion source name.
func (r Record) Source() string { return r.f.Source }

// Merchant returns the merchant (brand or shop) name.
func (r Record) Merchant() string { return r.f.Merchant }

// MerchantType returns the merchant description.
func (r Record) MerchantType() string { return r.f.MerchantType }

// Item returns the line item text.
func (r Record) Item() string { return r.f.Item }

// Category returns the labeled category, empty when unknown.
func (r Record) Category() string { return r.f.Category }

// Timestamp returns the purchase time in UTC.
func (r Record) Timestamp() time.Time { return r.f.Timestamp }

// Price returns the unit price.
func (r Record) Price() Money { return r.f.Price }

// Quantity returns the purchased quantity.
func (r Record) Quantity() float64 { return r.f.Quantity }

// Total returns the line total.
func (r Record) Total() Money { return r.f.Total }

// Fields returns a copy of the typed values.
func (r Record) Fields() Fields { return r.f }

// Text joins the requested text fields with a single space, skipping empty ones.
// Falls back to merchant and item when none of the requested fields has text.
func (r Record) Text(fields []string) string {
	parts := make([]string, 0, len(fields))
	for _, name := range fields {
		if v := r.field(name); v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		for _, v := range []string{r.f.Merchant, r.f.Item} {
			if v != "" {
				parts = append(parts, v)
			}
		}
	}
	return strings.Join(parts, " ")
}

func (r Record) field(name string) string {
	switch name {
	case FieldMerchant:
		return r.f.Merchant
	case FieldMerchantType:
		return r.f.MerchantType
	case FieldItem:
		return r.f.Item
	}
	return ""
}
