// Package reduce fits and applies the dimensionality-reduction projector.
// A Projector is created by Fit once per run and is immutable afterwards, so any
// number of goroutines may Transform with it.
package reduce

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kailas-cloud/recluster/internal/domain"
)

// Projection methods.
const (
	MethodPCA    = "pca"
	MethodRandom = "random"
)

// Output dimensionality bounds.
const (
	MinDimensions = 2
	MaxDimensions = 50
)

// Config selects the projection.
type Config struct {
	Method     string
	Dimensions int
	Seed       int64
}

// Validate checks the method and output dimensionality.
func (c Config) Validate() error {
	if c.Method != MethodPCA && c.Method != MethodRandom {
		return fmt.Errorf("%w: unknown reduction method %q", domain.ErrInvalidConfig, c.Method)
	}
	if c.Dimensions < MinDimensions || c.Dimensions > MaxDimensions {
		return fmt.Errorf("%w: reduction dimensions must be between %d and %d, got %d",
			domain.ErrInvalidConfig, MinDimensions, MaxDimensions, c.Dimensions)
	}
	return nil
}

// Projector is a fitted linear projection: y = components · (x - mean).
type Projector struct {
	method     string
	seed       int64
	inDim      int
	outDim     int
	mean       []float64
	components [][]float64 // outDim rows of inDim values
}

// Method returns the projection method.
func (p *Projector) Method() string { return p.method }

// Seed returns the seed the projector was fitted with.
func (p *Projector) Seed() int64 { return p.seed }

// Empty reports that the projector was fitted over no vectors.
func (p *Projector) Empty() bool { return p.inDim == 0 }

// InputDim returns the embedding dimensionality the projector accepts.
func (p *Projector) InputDim() int { return p.inDim }

// OutputDim returns the reduced dimensionality.
func (p *Projector) OutputDim() int { return p.outDim }

// Fit learns a projector over the entire embedding set.
// Identical input and seed always produce an identical projector.
func Fit(cfg Config, data [][]float32) (*Projector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		// The empty projector maps the empty set to itself and rejects any vector.
		return &Projector{method: cfg.Method, seed: cfg.Seed, outDim: cfg.Dimensions, mean: []float64{}}, nil
	}
	inDim := len(data[0])
	if inDim == 0 {
		return nil, fmt.Errorf("fit projector: %w: empty vectors", domain.ErrVectorDimMismatch)
	}
	for i, v := range data {
		if len(v) != inDim {
			return nil, fmt.Errorf("fit projector: %w: vector %d has %d dims, expected %d",
				domain.ErrVectorDimMismatch, i, len(v), inDim)
		}
	}

	p := &Projector{
		method: cfg.Method,
		seed:   cfg.Seed,
		inDim:  inDim,
		outDim: cfg.Dimensions,
		mean:   columnMeans(data, inDim),
	}

	var err error
	switch cfg.Method {
	case MethodPCA:
		p.components, err = pcaComponents(data, inDim, cfg.Dimensions)
	case MethodRandom:
		p.components = gaussianComponents(inDim, cfg.Dimensions, cfg.Seed)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FitTransform fits a projector and projects the same vectors with it.
func FitTransform(cfg Config, data [][]float32) (*Projector, [][]float64, error) {
	p, err := Fit(cfg, data)
	if err != nil {
		return nil, nil, err
	}
	out, err := p.Transform(data)
	if err != nil {
		return nil, nil, err
	}
	return p, out, nil
}

// Transform projects vectors without refitting. Points outside the fitted set are
// placed by the same linear map and may land imprecisely relative to it.
func (p *Projector) Transform(data [][]float32) ([][]float64, error) {
	out := make([][]float64, len(data))
	centered := make([]float64, p.inDim)
	for i, v := range data {
		if len(v) != p.inDim {
			return nil, fmt.Errorf("transform: %w: vector %d has %d dims, projector expects %d",
				domain.ErrVectorDimMismatch, i, len(v), p.inDim)
		}
		for j := range centered {
			centered[j] = float64(v[j]) - p.mean[j]
		}
		y := make([]float64, p.outDim)
		for k, comp := range p.components {
			var s float64
			for j, c := range comp {
				s += c * centered[j]
			}
			y[k] = s
		}
		out[i] = y
	}
	return out, nil
}

func columnMeans(data [][]float32, dim int) []float64 {
	mean := make([]float64, dim)
	for _, v := range data {
		for j, x := range v {
			mean[j] += float64(x)
		}
	}
	for j := range mean {
		mean[j] /= float64(len(data))
	}
	return mean
}

// pcaComponents returns the top-k principal axes, sign-normalized so that the
// largest-magnitude coordinate of each axis is positive. Axes beyond the rank of
// the data are zero.
func pcaComponents(data [][]float32, inDim, k int) ([][]float64, error) {
	comps := make([][]float64, k)
	for i := range comps {
		comps[i] = make([]float64, inDim)
	}
	if len(data) < 2 {
		return comps, nil
	}

	x := mat.NewDense(len(data), inDim, nil)
	for i, v := range data {
		for j, f := range v {
			x.Set(i, j, float64(f))
		}
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return nil, errors.New("fit projector: principal components did not converge")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	vars := pc.VarsTo(nil)

	_, avail := vecs.Dims()
	for c := 0; c < k && c < avail; c++ {
		if vars[c] <= 1e-12 {
			break
		}
		col := comps[c]
		maxAbs, maxIdx := 0.0, 0
		for j := range inDim {
			col[j] = vecs.At(j, c)
			if a := math.Abs(col[j]); a > maxAbs+1e-12 {
				maxAbs, maxIdx = a, j
			}
		}
		if col[maxIdx] < 0 {
			for j := range col {
				col[j] = -col[j]
			}
		}
	}
	return comps, nil
}

// gaussianComponents draws a seeded Gaussian random projection scaled by 1/sqrt(k).
func gaussianComponents(inDim, k int, seed int64) [][]float64 {
	src := rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)
	dist := distuv.Normal{Mu: 0, Sigma: 1 / math.Sqrt(float64(k)), Src: src}
	comps := make([][]float64, k)
	for i := range comps {
		comps[i] = make([]float64, inDim)
		for j := range comps[i] {
			comps[i][j] = dist.Rand()
		}
	}
	return comps
}
