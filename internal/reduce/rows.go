package reduce

import (
	"fmt"

	"github.com/kailas-cloud/recluster/internal/codec"
)

// Rows flattens the projector into table rows for storage.
func (p *Projector) Rows() []codec.ProjectorRow {
	rows := make([]codec.ProjectorRow, 0, 2+len(p.components))
	rows = append(rows,
		codec.ProjectorRow{
			Role:      codec.RoleMeta,
			Method:    p.method,
			Seed:      p.seed,
			InputDim:  int32(p.inDim),  //nolint:gosec // bounded by embedding size
			OutputDim: int32(p.outDim), //nolint:gosec // bounded by MaxDimensions
		},
		codec.ProjectorRow{Role: codec.RoleMean, Values: p.mean},
	)
	for i, c := range p.components {
		rows = append(rows, codec.ProjectorRow{Role: codec.RoleComponent, Index: int32(i), Values: c}) //nolint:gosec // i < outDim
	}
	return rows
}

// FromRows rebuilds a projector stored with Rows.
func FromRows(rows []codec.ProjectorRow) (*Projector, error) {
	p := &Projector{}
	var haveMeta bool
	for _, r := range rows {
		switch r.Role {
		case codec.RoleMeta:
			p.method, p.seed = r.Method, r.Seed
			p.inDim, p.outDim = int(r.InputDim), int(r.OutputDim)
			haveMeta = true
		case codec.RoleMean:
			p.mean = r.Values
		}
	}
	if !haveMeta || p.outDim <= 0 || len(p.mean) != p.inDim {
		return nil, fmt.Errorf("decode projector: missing or inconsistent meta")
	}
	if p.inDim == 0 {
		p.mean = []float64{}
		return p, nil
	}
	p.components = make([][]float64, p.outDim)
	for _, r := range rows {
		if r.Role != codec.RoleComponent {
			continue
		}
		if r.Index < 0 || int(r.Index) >= p.outDim || len(r.Values) != p.inDim {
			return nil, fmt.Errorf("decode projector: bad component %d", r.Index)
		}
		p.components[r.Index] = r.Values
	}
	for i, c := range p.components {
		if c == nil {
			return nil, fmt.Errorf("decode projector: component %d missing", i)
		}
	}
	return p, nil
}
