package pipeline

import (
	"fmt"
	"time"

	"github.com/kailas-cloud/recluster/internal/codec"
	"github.com/kailas-cloud/recluster/internal/domain/receipt"
	"github.com/kailas-cloud/recluster/internal/orchestrator"
)

func recordToRow(r receipt.Record) codec.RecordRow {
	f := r.Fields()
	return codec.RecordRow{
		ID:           f.ID,
		Source:       f.Source,
		Merchant:     f.Merchant,
		MerchantType: f.MerchantType,
		Item:         f.Item,
		Category:     f.Category,
		TimestampMS:  f.Timestamp.UnixMilli(),
		Price:        int64(f.Price),
		Quantity:     f.Quantity,
		Total:        int64(f.Total),
	}
}

func rowToRecord(row codec.RecordRow) receipt.Record {
	return receipt.Restore(receipt.Fields{
		ID:           row.ID,
		Source:       row.Source,
		Merchant:     row.Merchant,
		MerchantType: row.MerchantType,
		Item:         row.Item,
		Category:     row.Category,
		Timestamp:    time.UnixMilli(row.TimestampMS).UTC(),
		Price:        receipt.Money(row.Price),
		Quantity:     row.Quantity,
		Total:        receipt.Money(row.Total),
	})
}

// decodeInput decodes the payload of dependency name as a table of T.
func decodeInput[T any](in orchestrator.Inputs, name string) ([]T, error) {
	payload, err := in.Payload(name)
	if err != nil {
		return nil, err //nolint:wrapcheck // already names the asset
	}
	rows, err := codec.Decode[T](payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return rows, nil
}

func decodeRecords(in orchestrator.Inputs, name string) ([]receipt.Record, error) {
	rows, err := decodeInput[codec.RecordRow](in, name)
	if err != nil {
		return nil, err
	}
	out := make([]receipt.Record, len(rows))
	for i, row := range rows {
		out[i] = rowToRecord(row)
	}
	return out, nil
}

func encodeRecords(records []receipt.Record) ([]byte, error) {
	rows := make([]codec.RecordRow, len(records))
	for i, r := range records {
		rows[i] = recordToRow(r)
	}
	return codec.Encode(rows) //nolint:wrapcheck // codec errors are already annotated
}
