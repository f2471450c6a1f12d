package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/kailas-cloud/recluster/internal/domain/receipt"
)

const maxLineSize = 16 << 20

type brand struct {
	name, description string
}

type scrapedReceipt struct {
	key, brandID, created string
}

// ReadScrapedFiles reads the scraped receipt pages and fiscal documents from disk.
// Empty paths produce an empty batch.
func ReadScrapedFiles(ctx context.Context, receiptsPath, fiscalPath string) (Batch, error) {
	if receiptsPath == "" || fiscalPath == "" {
		return Batch{}, nil
	}
	receipts, err := Open(receiptsPath)
	if err != nil {
		return Batch{}, err
	}
	defer receipts.Close() //nolint:errcheck // read-only
	fiscal, err := Open(fiscalPath)
	if err != nil {
		return Batch{}, err
	}
	defer fiscal.Close() //nolint:errcheck // read-only
	return ReadScraped(ctx, receipts, fiscal)
}

// ReadScraped joins receipt pages (JSON lines with "receipts" and "brands" arrays)
// with fiscal documents (JSON lines with "key" and "items") on the receipt key.
// Each fiscal line item becomes one record with id "<key>:<index>".
// Fiscal amounts are integer kopecks.
func ReadScraped(ctx context.Context, receipts, fiscal io.Reader) (Batch, error) {
	var batch Batch

	brands := make(map[string]brand)
	var heads []scrapedReceipt
	seen := make(map[string]bool)

	err := eachLine(ctx, receipts, "receipts", func(ref string, line []byte) {
		if !gjson.ValidBytes(line) {
			batch.Skipped = append(batch.Skipped, Skip{Ref: ref, Reason: "malformed json"})
			return
		}
		doc := gjson.ParseBytes(line)
		doc.Get("brands").ForEach(func(_, b gjson.Result) bool {
			id := b.Get("id").String()
			if _, ok := brands[id]; !ok && id != "" {
				brands[id] = brand{name: b.Get("name").String(), description: b.Get("description").String()}
			}
			return true
		})
		doc.Get("receipts").ForEach(func(_, r gjson.Result) bool {
			key := r.Get("key").String()
			if key == "" || seen[key] {
				return true
			}
			seen[key] = true
			heads = append(heads, scrapedReceipt{
				key:     key,
				brandID: r.Get("brandId").String(),
				created: r.Get("createdDate").String(),
			})
			return true
		})
	})
	if err != nil {
		return Batch{}, err
	}

	items := make(map[string]gjson.Result)
	err = eachLine(ctx, fiscal, "fiscal", func(ref string, line []byte) {
		if !gjson.ValidBytes(line) {
			batch.Skipped = append(batch.Skipped, Skip{Ref: ref, Reason: "malformed json"})
			return
		}
		doc := gjson.ParseBytes(line)
		key := doc.Get("key").String()
		if _, ok := items[key]; !ok && key != "" {
			items[key] = doc.Get("items")
		}
	})
	if err != nil {
		return Batch{}, err
	}

	for _, h := range heads {
		lines, ok := items[h.key]
		if !ok {
			batch.Skipped = append(batch.Skipped, Skip{Ref: h.key, Reason: "no fiscal document"})
			continue
		}
		b := brands[h.brandID]
		idx := 0
		lines.ForEach(func(_, it gjson.Result) bool {
			batch.Records = append(batch.Records, receipt.Raw{
				ID:           h.key + ":" + strconv.Itoa(idx),
				Source:       Scraped,
				Merchant:     b.name,
				MerchantType: b.description,
				Item:         it.Get("name").String(),
				Timestamp:    h.created,
				Price:        kopecks(it.Get("price")),
				Quantity:     it.Get("quantity").String(),
				Total:        kopecks(it.Get("sum")),
			})
			idx++
			return true
		})
	}
	return batch, nil
}

// kopecks renders an integer kopeck amount as a decimal ruble string.
// Non-numeric values pass through for the validator to judge.
func kopecks(v gjson.Result) string {
	switch v.Type {
	case gjson.Number:
		return receipt.Money(v.Int()).String()
	case gjson.Null:
		return ""
	default:
		return v.String()
	}
}

func eachLine(ctx context.Context, r io.Reader, name string, fn func(ref string, line []byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	n := 0
	for sc.Scan() {
		n++
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err //nolint:wrapcheck // context error
			}
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		fn(name+":"+strconv.Itoa(n), line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	return nil
}
