package sensor

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/large-farva/forcedaq/internal/config"
	"github.com/large-farva/forcedaq/internal/daq"
)

// Calibrator converts raw channel values into forces and torques.
type Calibrator interface {
	Apply(raw [6]float64) [6]float64
}

// Identity passes raw values through.
type Identity struct{}

func (Identity) Apply(raw [6]float64) [6]float64 { return raw }

// Matrix applies a 6x6 linear transform, then flips the sign of reversed
// channels.
type Matrix struct {
	m    *mat.Dense
	sign [6]float64
}

// NewMatrix builds a Matrix from row-major values. A nil rows slice uses the
// identity transform.
func NewMatrix(rows [][]float64, reverse []string) *Matrix {
	m := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			switch {
			case rows != nil:
				m.Set(i, j, rows[i][j])
			case i == j:
				m.Set(i, j, 1)
			}
		}
	}
	c := &Matrix{m: m}
	for i := range c.sign {
		c.sign[i] = 1
	}
	for _, name := range reverse {
		for i, n := range daq.ForceNames {
			if n == name {
				c.sign[i] = -1
			}
		}
	}
	return c
}

func (c *Matrix) Apply(raw [6]float64) [6]float64 {
	var out mat.VecDense
	out.MulVec(c.m, mat.NewVecDense(6, raw[:]))
	var res [6]float64
	for i := range res {
		res[i] = out.AtVec(i) * c.sign[i]
	}
	return res
}

// NewCalibrator returns the calibrator described by the sensor settings.
func NewCalibrator(cfg config.SensorConfig) Calibrator {
	if cfg.Calibration == nil && len(cfg.Reverse) == 0 {
		return Identity{}
	}
	return NewMatrix(cfg.Calibration, cfg.Reverse)
}

// Mean returns the per-channel mean of frames.
func Mean(frames [][6]float64) [6]float64 {
	var out [6]float64
	if len(frames) == 0 {
		return out
	}
	col := make([]float64, len(frames))
	for k := range out {
		for i, f := range frames {
			col[i] = f[k]
		}
		out[k] = stat.Mean(col, nil)
	}
	return out
}
