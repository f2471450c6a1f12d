package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kailas-cloud/recluster/internal/domain/receipt"
)

// AdditionalMerchantType marks records that came from the labeled CSV export.
const AdditionalMerchantType = "Additional Source"

type check struct {
	datetime, shop string
}

// ReadAdditionalFiles reads the labeled checks and items CSV exports from disk.
// An empty items path produces an empty batch; an empty checks path leaves
// merchant and timestamp blank for the validator to reject.
func ReadAdditionalFiles(ctx context.Context, checksPath, itemsPath string) (Batch, error) {
	if itemsPath == "" {
		return Batch{}, nil
	}
	items, err := Open(itemsPath)
	if err != nil {
		return Batch{}, err
	}
	defer items.Close() //nolint:errcheck // read-only
	checks, err := openOptional(checksPath)
	if err != nil {
		return Batch{}, err
	}
	if checks != nil {
		defer checks.Close() //nolint:errcheck // read-only
	}
	return ReadAdditional(ctx, checks, items)
}

// ReadAdditional left-joins item rows (check_id, name, category, price, count[, sum])
// to check rows (check_id, datetime, shop_name) on check_id.
// Each item becomes one record with id "csv:<check_id>:<position within check>".
// checks may be nil.
func ReadAdditional(ctx context.Context, checks, items io.Reader) (Batch, error) {
	var batch Batch

	byID := make(map[string]check)
	if checks != nil {
		err := eachCSVRow(ctx, checks, "checks", []string{"check_id", "datetime", "shop_name"},
			func(ref string, get func(string) string) {
				id := get("check_id")
				if _, ok := byID[id]; !ok {
					byID[id] = check{datetime: get("datetime"), shop: get("shop_name")}
				}
			}, &batch)
		if err != nil {
			return Batch{}, err
		}
	}

	positions := make(map[string]int)
	err := eachCSVRow(ctx, items, "items", []string{"check_id", "name", "category", "price", "count"},
		func(ref string, get func(string) string) {
			id := get("check_id")
			if id == "" {
				batch.Skipped = append(batch.Skipped, Skip{Ref: ref, Reason: "missing check_id"})
				return
			}
			pos := positions[id]
			positions[id] = pos + 1
			c := byID[id]
			batch.Records = append(batch.Records, receipt.Raw{
				ID:           "csv:" + id + ":" + strconv.Itoa(pos),
				Source:       Additional,
				Merchant:     c.shop,
				MerchantType: AdditionalMerchantType,
				Item:         get("name"),
				Category:     get("category"),
				Timestamp:    c.datetime,
				Price:        get("price"),
				Quantity:     get("count"),
				Total:        get("sum"),
			})
		}, &batch)
	if err != nil {
		return Batch{}, err
	}
	return batch, nil
}

// eachCSVRow calls fn for every data row; get returns "" for absent optional columns.
// Rows with the wrong number of fields are reported as skipped.
func eachCSVRow(
	ctx context.Context, r io.Reader, name string, required []string,
	fn func(ref string, get func(string) string), batch *Batch,
) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("read %s header: %w", name, err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, req := range required {
		if _, ok := cols[req]; !ok {
			return fmt.Errorf("read %s: missing column %q", name, req)
		}
	}

	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err //nolint:wrapcheck // context error
			}
		}
		ref := name + ":" + strconv.Itoa(line)
		if len(row) != len(header) {
			batch.Skipped = append(batch.Skipped, Skip{
				Ref:    ref,
				Reason: fmt.Sprintf("expected %d fields, got %d", len(header), len(row)),
			})
			continue
		}
		fn(ref, func(col string) string {
			if i, ok := cols[col]; ok {
				return row[i]
			}
			return ""
		})
	}
}
