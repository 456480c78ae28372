// Package predictor wraps the offline-trained regression model that
// predicts the expected price relationship between the two legs of a
// pair. The model is trained elsewhere; this package only evaluates it.
package predictor

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Predictor is the black-box per-pair model: given the price of the
// first leg it predicts the mean and standard deviation of the second.
type Predictor interface {
	PredictMean(x float64) float64
	PredictStddev(x float64) float64
}

// Checkpoint holds the exported weights of the model head: an affine
// map for the mean and an affine map feeding a softplus for the scale.
type Checkpoint struct {
	MeanWeight  float64 `json:"mean_weight"`
	MeanBias    float64 `json:"mean_bias"`
	ScaleWeight float64 `json:"scale_weight"`
	ScaleBias   float64 `json:"scale_bias"`
}

// Gaussian evaluates a checkpoint. Stddev has a 1e-3 floor so the
// deviation signal never divides by zero.
type Gaussian struct {
	ckpt Checkpoint
}

func NewGaussian(ckpt Checkpoint) *Gaussian {
	return &Gaussian{ckpt: ckpt}
}

// Load reads the checkpoint for one pair title from dir. A missing
// file disables the pair at startup.
func Load(dir, title string) (*Gaussian, error) {
	path := filepath.Join(dir, title+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for %s: %w", title, err)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("parsing checkpoint for %s: %w", title, err)
	}
	return NewGaussian(ckpt), nil
}

func (g *Gaussian) PredictMean(x float64) float64 {
	return g.ckpt.MeanWeight*x + g.ckpt.MeanBias
}

func (g *Gaussian) PredictStddev(x float64) float64 {
	return 1e-3 + softplus(0.05*(g.ckpt.ScaleWeight*x+g.ckpt.ScaleBias))
}

func softplus(v float64) float64 {
	if v > 30 {
		return v
	}
	return math.Log1p(math.Exp(v))
}
