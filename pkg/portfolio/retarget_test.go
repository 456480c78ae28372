package portfolio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func inWindow() time.Time {
	return time.Date(2024, 3, 14, 10, 35, 0, 0, time.UTC)
}

func outOfWindow() time.Time {
	return time.Date(2024, 3, 14, 10, 5, 0, 0, time.UTC)
}

func record(r *Retargeter, n, missed int, util float64) {
	for i := 0; i < n; i++ {
		r.Record(missed, util)
	}
}

func TestRetargetLowersThresholdUnderLowPressure(t *testing.T) {
	r := NewRetargeter(3.0, 0.05, testLogger())
	record(r, 16, 0, 0.90)

	r.Evaluate(inWindow())
	assert.InDelta(t, 2.9, r.Threshold, 1e-9)
}

func TestRetargetRaisesThresholdUnderHighPressure(t *testing.T) {
	r := NewRetargeter(3.0, 0.05, testLogger())
	// Fully deployed plus missed signals: pressure 1.0 + 3*0.05 = 1.15.
	record(r, 15, 0, 1.0)
	r.Record(3, 1.0)

	r.Evaluate(inWindow())
	assert.InDelta(t, 3.1, r.Threshold, 1e-9)
}

func TestRetargetHoldsInDeadBand(t *testing.T) {
	r := NewRetargeter(3.0, 0.05, testLogger())
	record(r, 16, 0, 1.0)

	r.Evaluate(inWindow())
	assert.InDelta(t, 3.0, r.Threshold, 1e-9)
}

func TestRetargetOnlyInsideWindow(t *testing.T) {
	r := NewRetargeter(3.0, 0.05, testLogger())
	record(r, 16, 0, 0.5)

	r.Evaluate(outOfWindow())
	assert.InDelta(t, 3.0, r.Threshold, 1e-9)
}

func TestRetargetRequiresEnoughHistory(t *testing.T) {
	r := NewRetargeter(3.0, 0.05, testLogger())
	record(r, 15, 0, 0.5)

	r.Evaluate(inWindow())
	assert.InDelta(t, 3.0, r.Threshold, 1e-9)

	r.Record(0, 0.5)
	r.Evaluate(inWindow())
	assert.InDelta(t, 2.9, r.Threshold, 1e-9)
}

func TestRetargetClearsHistoryAfterAdjustment(t *testing.T) {
	r := NewRetargeter(3.0, 0.05, testLogger())
	record(r, 16, 0, 0.5)

	r.Evaluate(inWindow())
	assert.InDelta(t, 2.9, r.Threshold, 1e-9)

	// History was consumed; the next evaluation needs fresh samples.
	r.Evaluate(inWindow())
	assert.InDelta(t, 2.9, r.Threshold, 1e-9)
}
