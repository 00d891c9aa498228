package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/trial-screening-engine/internal/domain"
)

// Calibrator maps a raw aggregate score onto a calibrated probability
type Calibrator interface {
	Calibrate(raw float64) (float64, error)
	Name() string
}

// NewCalibrator builds the calibrator selected by configuration
func NewCalibrator(config domain.CalibrationConfig) (Calibrator, error) {
	switch config.Method {
	case "", "none":
		return NoCalibrator{}, nil
	case "temperature":
		return NewTemperatureCalibrator(config.Temperature)
	case "isotonic":
		return NewIsotonicCalibrator(config.IsotonicX, config.IsotonicY)
	}
	return nil, fmt.Errorf("unknown calibration method: %s", config.Method)
}

// NoCalibrator is used when no calibration data exists
type NoCalibrator struct{}

func (NoCalibrator) Calibrate(raw float64) (float64, error) {
	return raw, domain.ErrCalibrationUnavailable
}

func (NoCalibrator) Name() string { return "none" }

// TemperatureCalibrator divides the logit of the raw score by T
type TemperatureCalibrator struct {
	temperature float64
}

// NewTemperatureCalibrator creates a temperature calibrator; T must be positive
func NewTemperatureCalibrator(temperature float64) (*TemperatureCalibrator, error) {
	if temperature <= 0 || math.IsNaN(temperature) || math.IsInf(temperature, 0) {
		return nil, fmt.Errorf("temperature must be positive and finite: %v", temperature)
	}
	return &TemperatureCalibrator{temperature: temperature}, nil
}

const logitEpsilon = 1e-6

func (t *TemperatureCalibrator) Calibrate(raw float64) (float64, error) {
	p := math.Min(math.Max(raw, logitEpsilon), 1-logitEpsilon)
	logit := math.Log(p / (1 - p))
	return domain.ClampUnit(1 / (1 + math.Exp(-logit/t.temperature))), nil
}

func (t *TemperatureCalibrator) Name() string {
	return fmt.Sprintf("temperature(T=%g)", t.temperature)
}

// IsotonicCalibrator interpolates linearly between monotone breakpoints
type IsotonicCalibrator struct {
	xs, ys []float64
}

// NewIsotonicCalibrator validates breakpoints: strictly increasing x, non-decreasing y
func NewIsotonicCalibrator(xs, ys []float64) (*IsotonicCalibrator, error) {
	if len(xs) != len(ys) || len(xs) < 2 {
		return nil, fmt.Errorf("isotonic calibration needs at least two matching breakpoints, got %d x and %d y", len(xs), len(ys))
	}
	for i := 1; i < len(xs); i++ {
		if xs[i] <= xs[i-1] {
			return nil, fmt.Errorf("isotonic breakpoints must be strictly increasing at index %d", i)
		}
		if ys[i] < ys[i-1] {
			return nil, fmt.Errorf("isotonic values must be non-decreasing at index %d", i)
		}
	}
	return &IsotonicCalibrator{
		xs: append([]float64(nil), xs...),
		ys: append([]float64(nil), ys...),
	}, nil
}

func (c *IsotonicCalibrator) Calibrate(raw float64) (float64, error) {
	n := len(c.xs)
	if raw <= c.xs[0] {
		return domain.ClampUnit(c.ys[0]), nil
	}
	if raw >= c.xs[n-1] {
		return domain.ClampUnit(c.ys[n-1]), nil
	}
	i := sort.SearchFloat64s(c.xs, raw)
	if c.xs[i] == raw {
		return domain.ClampUnit(c.ys[i]), nil
	}
	x0, x1 := c.xs[i-1], c.xs[i]
	y0, y1 := c.ys[i-1], c.ys[i]
	return domain.ClampUnit(y0 + (y1-y0)*(raw-x0)/(x1-x0)), nil
}

func (c *IsotonicCalibrator) Name() string {
	return fmt.Sprintf("isotonic(%d)", len(c.xs))
}

// Breakpoints returns copies of the fitted breakpoints
func (c *IsotonicCalibrator) Breakpoints() ([]float64, []float64) {
	return append([]float64(nil), c.xs...), append([]float64(nil), c.ys...)
}

// FitIsotonic fits breakpoints to (prediction, outcome) pairs with pool adjacent
// violators. Outcomes are 0 or 1 for binary labels but any value in [0,1] works.
func FitIsotonic(preds, outcomes []float64) (*IsotonicCalibrator, error) {
	if len(preds) != len(outcomes) || len(preds) == 0 {
		return nil, fmt.Errorf("need matching non-empty predictions and outcomes, got %d and %d", len(preds), len(outcomes))
	}

	type point struct{ x, y float64 }
	points := make([]point, len(preds))
	for i := range preds {
		points[i] = point{preds[i], outcomes[i]}
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].x < points[j].x })

	type block struct {
		sumX, sumY float64
		n          int
	}
	var blocks []block
	for _, p := range points {
		blocks = append(blocks, block{sumX: p.x, sumY: p.y, n: 1})
		for len(blocks) > 1 {
			last, prev := blocks[len(blocks)-1], blocks[len(blocks)-2]
			if prev.sumY/float64(prev.n) <= last.sumY/float64(last.n) {
				break
			}
			blocks = blocks[:len(blocks)-2]
			blocks = append(blocks, block{sumX: prev.sumX + last.sumX, sumY: prev.sumY + last.sumY, n: prev.n + last.n})
		}
	}

	var xs, ys []float64
	for _, b := range blocks {
		x, y := b.sumX/float64(b.n), b.sumY/float64(b.n)
		if len(xs) > 0 && x <= xs[len(xs)-1] {
			// blocks with equal mean prediction collapse into one breakpoint
			ys[len(ys)-1] = math.Max(ys[len(ys)-1], y)
			continue
		}
		xs = append(xs, x)
		ys = append(ys, y)
	}
	if len(xs) == 1 {
		xs = []float64{0, 1}
		ys = []float64{ys[0], ys[0]}
	}
	return NewIsotonicCalibrator(xs, ys)
}

// ExpectedCalibrationError is the bin-weighted gap between mean prediction and
// observed outcome rate
func ExpectedCalibrationError(preds, outcomes []float64, bins int) (float64, error) {
	if len(preds) != len(outcomes) || len(preds) == 0 {
		return 0, fmt.Errorf("need matching non-empty predictions and outcomes, got %d and %d", len(preds), len(outcomes))
	}
	if bins <= 0 {
		bins = 10
	}

	sumPred := make([]float64, bins)
	sumOut := make([]float64, bins)
	counts := make([]int, bins)
	for i, p := range preds {
		b := int(domain.ClampUnit(p) * float64(bins))
		if b == bins {
			b = bins - 1
		}
		sumPred[b] += p
		sumOut[b] += outcomes[i]
		counts[b]++
	}

	var ece float64
	for b := 0; b < bins; b++ {
		if counts[b] == 0 {
			continue
		}
		n := float64(counts[b])
		ece += n / float64(len(preds)) * math.Abs(sumPred[b]/n-sumOut[b]/n)
	}
	return ece, nil
}
