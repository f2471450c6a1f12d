package codec

// RecordRow is one validated receipt line item.
type RecordRow struct {
	ID           string  `parquet:"id"`
	Source       string  `parquet:"source"`
	Merchant     string  `parquet:"merchant"`
	MerchantType string  `parquet:"merchant_type"`
	Item         string  `parquet:"item"`
	Category     string  `parquet:"category"`
	TimestampMS  int64   `parquet:"timestamp_ms"`
	Price        int64   `parquet:"price"` // kopecks
	Quantity     float64 `parquet:"quantity"`
	Total        int64   `parquet:"total"` // kopecks
}

// EmbeddingRow maps a record to its embedding and the content hash it was looked up by.
type EmbeddingRow struct {
	ID     string    `parquet:"id"`
	Hash   string    `parquet:"hash"`
	Vector []float32 `parquet:"vector"`
}

// Projector row roles.
const (
	RoleMeta      = "meta"
	RoleMean      = "mean"
	RoleComponent = "component"
)

// ProjectorRow is one row of a fitted projector: a meta row, the mean vector,
// then one row per output component.
type ProjectorRow struct {
	Role      string    `parquet:"role"`
	Index     int32     `parquet:"index"`
	Method    string    `parquet:"method"`
	Seed      int64     `parquet:"seed"`
	InputDim  int32     `parquet:"input_dim"`
	OutputDim int32     `parquet:"output_dim"`
	Values    []float64 `parquet:"values"`
}

// ReducedRow is a projected vector.
type ReducedRow struct {
	ID     string    `parquet:"id"`
	Vector []float64 `parquet:"vector"`
}

// AssignmentRow is a cluster label (-1 for noise) with membership strength.
type AssignmentRow struct {
	ID       string  `parquet:"id"`
	Label    int32   `parquet:"label"`
	Strength float64 `parquet:"strength"`
}

// CategorizedRow is a record with its final category.
type CategorizedRow struct {
	ID       string `parquet:"id"`
	Item     string `parquet:"item"`
	Merchant string `parquet:"merchant"`
	Cluster  int32  `parquet:"cluster"`
	Category string `parquet:"category"`
	Inferred bool   `parquet:"inferred"` // filled from the cluster majority
	Conflict bool   `parquet:"conflict"` // own category disagrees with the majority
}
