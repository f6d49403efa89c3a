package host

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrUnknownOp is returned for compute operations the host does not
// implement.
var ErrUnknownOp = errors.New("unknown compute operation")

// ErrInputTooLarge is returned by Invoke when the input exceeds the
// ordinary-work budget; callers holding the intensive permission should
// use InvokeIntensive instead.
var ErrInputTooLarge = errors.New("input too large for non-intensive compute")

// invokeLimit bounds input size for ordinary Invoke calls.
const invokeLimit = 10_000

type computeFunc func(values []float64) (float64, error)

// Calculator implements the numeric compute capability with a fixed set
// of aggregate operations.
type Calculator struct {
	ops map[string]computeFunc
}

// NewCalculator creates a calculator with the built-in operations: sum,
// product, mean, min, max, stddev, median.
func NewCalculator() *Calculator {
	return &Calculator{ops: map[string]computeFunc{
		"sum":     opSum,
		"product": opProduct,
		"mean":    opMean,
		"min":     opMin,
		"max":     opMax,
		"stddev":  opStddev,
		"median":  opMedian,
	}}
}

// Invoke runs an operation over its numeric arguments. Inputs above the
// ordinary-work budget are rejected.
func (c *Calculator) Invoke(ctx context.Context, op string, args []any) (any, error) {
	if len(args) > invokeLimit {
		return nil, ErrInputTooLarge
	}
	return c.run(ctx, op, args)
}

// InvokeIntensive runs an operation without the input budget. It checks
// for context cancellation before starting.
func (c *Calculator) InvokeIntensive(ctx context.Context, op string, args []any) (any, error) {
	return c.run(ctx, op, args)
}

func (c *Calculator) run(ctx context.Context, op string, args []any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fn, ok := c.ops[op]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}
	values, err := toFloats(args)
	if err != nil {
		return nil, err
	}
	return fn(values)
}

func toFloats(args []any) ([]float64, error) {
	values := make([]float64, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case float64:
			values[i] = v
		case float32:
			values[i] = float64(v)
		case int:
			values[i] = float64(v)
		case int64:
			values[i] = float64(v)
		default:
			return nil, fmt.Errorf("argument %d is not numeric: %T", i, a)
		}
	}
	return values, nil
}

func opSum(values []float64) (float64, error) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum, nil
}

func opProduct(values []float64) (float64, error) {
	prod := 1.0
	for _, v := range values {
		prod *= v
	}
	return prod, nil
}

func opMean(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, errors.New("mean of empty input")
	}
	sum, _ := opSum(values)
	return sum / float64(len(values)), nil
}

func opMin(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, errors.New("min of empty input")
	}
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min, nil
}

func opMax(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, errors.New("max of empty input")
	}
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max, nil
}

func opStddev(values []float64) (float64, error) {
	if len(values) < 2 {
		return 0, errors.New("stddev needs at least two values")
	}
	mean, _ := opMean(values)
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)-1)), nil
}

func opMedian(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, errors.New("median of empty input")
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2, nil
	}
	return sorted[mid], nil
}
