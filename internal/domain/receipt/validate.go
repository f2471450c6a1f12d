package receipt

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kailas-cloud/recluster/internal/domain"
)

// timestampLayouts are tried in order. Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"2006-01-02",
	"02.01.2006",
}

// Validate checks required fields, coerces types and applies range checks.
// It is pure: the same raw input always yields the same record or error.
// Errors are *domain.SchemaError attributed to raw.ID.
func Validate(raw Raw) (Record, error) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return Record{}, domain.NewSchemaError(raw.ID, "id", "required")
	}

	merchant := cleanText(raw.Merchant)
	item := cleanText(raw.Item)
	if merchant == "" && item == "" {
		return Record{}, domain.NewSchemaError(id, "item", "merchant or item text is required")
	}

	if strings.TrimSpace(raw.Timestamp) == "" {
		return Record{}, domain.NewSchemaError(id, "timestamp", "required")
	}
	ts, ok := parseTimestamp(raw.Timestamp)
	if !ok {
		return Record{}, domain.NewSchemaError(id, "timestamp", "unparseable "+strconv.Quote(raw.Timestamp))
	}

	quantity := 1.0
	if q := strings.TrimSpace(raw.Quantity); q != "" {
		v, err := strconv.ParseFloat(strings.ReplaceAll(q, ",", "."), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Record{}, domain.NewSchemaError(id, "quantity", "not a number")
		}
		if v < 0 {
			return Record{}, domain.NewSchemaError(id, "quantity", "must be non-negative")
		}
		quantity = v
	}

	price, hasPrice, err := optionalMoney(raw.Price)
	if err != nil {
		return Record{}, domain.NewSchemaError(id, "price", err.Error())
	}
	total, hasTotal, err := optionalMoney(raw.Total)
	if err != nil {
		return Record{}, domain.NewSchemaError(id, "total", err.Error())
	}

	switch {
	case !hasTotal && !hasPrice:
		return Record{}, domain.NewSchemaError(id, "total", "required")
	case !hasTotal:
		if total, ok = moneyFromFloat(float64(price) * quantity); !ok {
			return Record{}, domain.NewSchemaError(id, "total", "out of range")
		}
	case !hasPrice && quantity > 0:
		if price, ok = moneyFromFloat(float64(total) / quantity); !ok {
			return Record{}, domain.NewSchemaError(id, "price", "out of range")
		}
	}

	return Record{f: Fields{
		ID:           id,
		Source:       strings.TrimSpace(raw.Source),
		Merchant:     merchant,
		MerchantType: cleanText(raw.MerchantType),
		Item:         item,
		Category:     normalizeCategory(raw.Category),
		Timestamp:    ts,
		Price:        price,
		Quantity:     quantity,
		Total:        total,
	}}, nil
}

func optionalMoney(s string) (Money, bool, error) {
	if strings.TrimSpace(s) == "" {
		return 0, false, nil
	}
	m, err := ParseMoney(s)
	if errors.Is(err, errOutOfRange) {
		return 0, false, errReason("out of range")
	}
	if err != nil {
		return 0, false, errReason("not a decimal amount")
	}
	if m < 0 {
		return 0, false, errReason("must be non-negative")
	}
	return m, true, nil
}

type errReason string

func (e errReason) Error() string { return string(e) }

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalizeCategory(s string) string {
	s = cleanText(s)
	if s == UndefinedCategory {
		return ""
	}
	return s
}
