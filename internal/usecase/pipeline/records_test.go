package pipeline

import (
	"slices"
	"testing"

	"github.com/kailas-cloud/recluster/internal/codec"
	"github.com/kailas-cloud/recluster/internal/domain/receipt"
	"github.com/kailas-cloud/recluster/internal/hdbscan"
)

func rec(id, category string) receipt.Record {
	return receipt.Restore(receipt.Fields{ID: id, Merchant: "m-" + id, Item: "i-" + id, Category: category})
}

func ids(records []receipt.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID()
	}
	return out
}

func TestMergeRecords(t *testing.T) {
	scraped := []receipt.Record{rec("b", "first"), rec("a", "")}
	additional := []receipt.Record{rec("c", ""), rec("b", "second")}

	merged, duplicates := mergeRecords(scraped, additional)

	if got := ids(merged); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("unexpected order %v", got)
	}
	if merged[1].Category() != "first" {
		t.Errorf("expected the first occurrence to win, got %q", merged[1].Category())
	}
	if !slices.Equal(duplicates, []string{"b"}) {
		t.Errorf("expected duplicate b, got %v", duplicates)
	}
}

func TestCountOutliers(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   int
	}{
		{"too few", []float64{1, 1000, 1}, 0},
		{"uniform", []float64{10, 11, 12, 13, 14, 15}, 0},
		{"one high", []float64{10, 11, 12, 13, 14, 15, 500}, 1},
		{"both sides", []float64{-400, 10, 11, 12, 13, 14, 15, 500}, 2},
		{"constant", []float64{5, 5, 5, 5}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := countOutliers(tc.values); got != tc.want {
				t.Errorf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestCategorize(t *testing.T) {
	records := []receipt.Record{
		rec("a", "Кофе"),
		rec("b", "Кофе"),
		rec("c", ""),
		rec("d", "Выпечка"),
		rec("e", ""),
		rec("f", "Хозтовары"),
	}
	assignments := []codec.AssignmentRow{
		{ID: "a", Label: 0},
		{ID: "b", Label: 0},
		{ID: "c", Label: 0},
		{ID: "d", Label: 0},
		{ID: "e", Label: hdbscan.Noise},
		{ID: "f", Label: hdbscan.Noise},
	}

	rows := categorize(records, assignments)

	want := []codec.CategorizedRow{
		{ID: "a", Item: "i-a", Merchant: "m-a", Cluster: 0, Category: "Кофе"},
		{ID: "b", Item: "i-b", Merchant: "m-b", Cluster: 0, Category: "Кофе"},
		{ID: "c", Item: "i-c", Merchant: "m-c", Cluster: 0, Category: "Кофе", Inferred: true},
		{ID: "d", Item: "i-d", Merchant: "m-d", Cluster: 0, Category: "Выпечка", Conflict: true},
		{ID: "e", Item: "i-e", Merchant: "m-e", Cluster: -1},
		{ID: "f", Item: "i-f", Merchant: "m-f", Cluster: -1, Category: "Хозтовары"},
	}
	if !slices.Equal(rows, want) {
		t.Errorf("unexpected rows:\n got %+v\nwant %+v", rows, want)
	}
}

func TestMajorityCategories_TieGoesToSmallest(t *testing.T) {
	records := []receipt.Record{rec("a", "b-cat"), rec("b", "a-cat"), rec("c", "")}
	labels := map[string]int{"a": 3, "b": 3, "c": 3}

	got := majorityCategories(labels, records)

	if got[3] != "a-cat" {
		t.Errorf("expected a-cat, got %q", got[3])
	}
}

func TestCategorize_UnassignedRecordIsNoise(t *testing.T) {
	rows := categorize([]receipt.Record{rec("a", "")}, nil)
	if len(rows) != 1 || rows[0].Cluster != hdbscan.Noise || rows[0].Inferred {
		t.Errorf("unexpected rows %+v", rows)
	}
}
