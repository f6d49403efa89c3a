package host

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestCalculatorOps(t *testing.T) {
	c := NewCalculator()
	ctx := context.Background()

	tests := []struct {
		op   string
		args []any
		want float64
	}{
		{"sum", []any{1, 2, 3.5}, 6.5},
		{"product", []any{2, 3, 4}, 24},
		{"mean", []any{2, 4, 6}, 4},
		{"min", []any{3, -1, 2}, -1},
		{"max", []any{3, -1, 2}, 3},
		{"median", []any{5, 1, 3}, 3},
		{"median", []any{4, 1, 3, 2}, 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			got, err := c.Invoke(ctx, tt.op, tt.args)
			if err != nil {
				t.Fatalf("%s failed: %v", tt.op, err)
			}
			if got != tt.want {
				t.Errorf("%s(%v) = %v, want %v", tt.op, tt.args, got, tt.want)
			}
		})
	}
}

func TestCalculatorStddev(t *testing.T) {
	c := NewCalculator()
	got, err := c.Invoke(context.Background(), "stddev", []any{2, 4, 4, 4, 5, 5, 7, 9})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got.(float64)-2.138) > 0.001 {
		t.Errorf("stddev = %v, want ~2.138", got)
	}
}

func TestCalculatorErrors(t *testing.T) {
	c := NewCalculator()
	ctx := context.Background()

	if _, err := c.Invoke(ctx, "transmogrify", []any{1}); !errors.Is(err, ErrUnknownOp) {
		t.Errorf("expected ErrUnknownOp, got %v", err)
	}
	if _, err := c.Invoke(ctx, "sum", []any{"one"}); err == nil {
		t.Error("expected error for non-numeric argument")
	}
	if _, err := c.Invoke(ctx, "mean", nil); err == nil {
		t.Error("expected error for empty mean")
	}
}

func TestCalculatorInvokeLimit(t *testing.T) {
	c := NewCalculator()
	ctx := context.Background()

	big := make([]any, invokeLimit+1)
	for i := range big {
		big[i] = 1
	}
	if _, err := c.Invoke(ctx, "sum", big); !errors.Is(err, ErrInputTooLarge) {
		t.Fatalf("expected ErrInputTooLarge, got %v", err)
	}
	got, err := c.InvokeIntensive(ctx, "sum", big)
	if err != nil {
		t.Fatalf("intensive invoke failed: %v", err)
	}
	if got != float64(invokeLimit+1) {
		t.Errorf("sum = %v, want %d", got, invokeLimit+1)
	}
}

func TestCalculatorHonorsContext(t *testing.T) {
	c := NewCalculator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.InvokeIntensive(ctx, "sum", []any{1}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
