// Package codec serializes materialized tables as parquet files.
package codec

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// Encode writes rows as a single parquet file.
func Encode[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows); err != nil {
		return nil, fmt.Errorf("encode parquet: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads every row of a parquet file produced by Encode.
func Decode[T any](data []byte) ([]T, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode parquet: empty payload")
	}
	rows, err := parquet.Read[T](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("decode parquet: %w", err)
	}
	return rows, nil
}
