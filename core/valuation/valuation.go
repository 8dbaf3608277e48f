// Package valuation prices an excerpt as a share of its track's base price.
// All arithmetic is done on integers so the same inputs always give the same
// result on every platform.
package valuation

import (
	"errors"
	"fmt"
	"math"
	"math/big"
)

// ErrInvalidValuationInput is returned for negative prices or non-positive lengths.
var ErrInvalidValuationInput = errors.New("invalid valuation input")

const (
	MinPercent = 1
	MaxPercent = 100
)

// Result is the derived share and its value in minor currency units.
type Result struct {
	Percent         int   `json:"percent"`
	ValueMinorUnits int64 `json:"value"`
}

// SecondsToMillis rounds a second count to whole milliseconds, half away from zero.
func SecondsToMillis(sec float64) int64 {
	return int64(math.Round(sec * 1000))
}

// IntervalMillis normalises an interval given in seconds.
func IntervalMillis(startSec, endSec float64) (startMs, endMs int64) {
	return SecondsToMillis(startSec), SecondsToMillis(endSec)
}

// PercentOf returns clamp(round(100*lengthMs/durationMs), 1, 100) using
// integer half-up rounding.
func PercentOf(lengthMs, durationMs int64) (int, error) {
	if lengthMs <= 0 || durationMs <= 0 {
		return 0, fmt.Errorf("length %dms, duration %dms: %w", lengthMs, durationMs, ErrInvalidValuationInput)
	}
	if lengthMs >= durationMs {
		return MaxPercent, nil
	}
	// lengthMs < durationMs here, so 200*lengthMs cannot overflow for any realistic duration.
	p := (200*lengthMs + durationMs) / (2 * durationMs)
	if p < MinPercent {
		p = MinPercent
	}
	return int(p), nil
}

// ValueOf returns floor(base*percent/100).
func ValueOf(basePriceMinorUnits int64, percent int) int64 {
	if basePriceMinorUnits <= math.MaxInt64/MaxPercent {
		return basePriceMinorUnits * int64(percent) / 100
	}
	v := new(big.Int).Mul(big.NewInt(basePriceMinorUnits), big.NewInt(int64(percent)))
	v.Quo(v, big.NewInt(100))
	return v.Int64()
}

// ValuateMillis prices an interval already normalised to milliseconds.
func ValuateMillis(basePriceMinorUnits, lengthMs, durationMs int64) (Result, error) {
	if basePriceMinorUnits < 0 {
		return Result{}, fmt.Errorf("base price %d: %w", basePriceMinorUnits, ErrInvalidValuationInput)
	}
	percent, err := PercentOf(lengthMs, durationMs)
	if err != nil {
		return Result{}, err
	}
	return Result{Percent: percent, ValueMinorUnits: ValueOf(basePriceMinorUnits, percent)}, nil
}

// Valuate prices an interval of intervalLengthSec seconds of a track lasting
// trackDurationSec seconds.
func Valuate(basePriceMinorUnits int64, intervalLengthSec, trackDurationSec float64) (Result, error) {
	if math.IsNaN(intervalLengthSec) || math.IsNaN(trackDurationSec) ||
		math.IsInf(intervalLengthSec, 0) || math.IsInf(trackDurationSec, 0) {
		return Result{}, fmt.Errorf("non-finite length or duration: %w", ErrInvalidValuationInput)
	}
	return ValuateMillis(basePriceMinorUnits, positiveMillis(intervalLengthSec), positiveMillis(trackDurationSec))
}

// positiveMillis keeps a positive duration positive after rounding, so
// sub-millisecond lengths still price at the minimum share.
func positiveMillis(sec float64) int64 {
	ms := SecondsToMillis(sec)
	if ms == 0 && sec > 0 {
		return 1
	}
	return ms
}
