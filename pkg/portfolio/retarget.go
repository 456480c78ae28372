package portfolio

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	retargetWindowStart = 30 // minute of the hour, inclusive
	retargetWindowEnd   = 40 // exclusive
	retargetMinSamples  = 15 // strictly more than this required
	retargetStep        = 0.1
	retargetLowWater    = 0.95
	retargetHighWater   = 1.05
)

// Retargeter adapts the open-signal threshold to realized capital
// pressure. A missed trade is one where the signal fired but no free
// capital slot remained; utilization is the fraction of free capital
// deployed. This is the only feedback loop that tunes sensitivity.
type Retargeter struct {
	Threshold    float64
	MaxTradeSize float64
	missed       []int
	util         []float64
	logger       *logrus.Entry
}

func NewRetargeter(initialThreshold, maxTradeSize float64, logger *logrus.Logger) *Retargeter {
	return &Retargeter{
		Threshold:    initialThreshold,
		MaxTradeSize: maxTradeSize,
		logger:       logger.WithField("component", "retarget"),
	}
}

// Record appends one cycle's missed count and utilization sample.
func (r *Retargeter) Record(missed int, util float64) {
	r.missed = append(r.missed, missed)
	r.util = append(r.util, util)
}

// Evaluate adjusts the threshold once per hour-window. Only minutes
// [30,40) of each hour qualify, and only with enough history; either
// adjustment clears the window's history.
func (r *Retargeter) Evaluate(now time.Time) {
	minute := now.Minute()
	if minute < retargetWindowStart || minute >= retargetWindowEnd {
		return
	}
	if len(r.missed) <= retargetMinSamples || len(r.util) <= retargetMinSamples {
		return
	}
	var utilSum float64
	for _, u := range r.util {
		utilSum += u
	}
	util := utilSum / float64(len(r.util))
	missed := 0
	for _, m := range r.missed {
		missed += m
	}

	pressure := util + float64(missed)*r.MaxTradeSize
	switch {
	case pressure < retargetLowWater:
		r.logger.WithFields(logrus.Fields{
			"util":   util,
			"missed": missed,
			"from":   r.Threshold,
			"to":     r.Threshold - retargetStep,
		}).Info("Lowering open threshold")
		r.Threshold -= retargetStep
		r.clear()
	case pressure > retargetHighWater:
		r.logger.WithFields(logrus.Fields{
			"util":   util,
			"missed": missed,
			"from":   r.Threshold,
			"to":     r.Threshold + retargetStep,
		}).Info("Raising open threshold")
		r.Threshold += retargetStep
		r.clear()
	}
}

func (r *Retargeter) clear() {
	r.missed = r.missed[:0]
	r.util = r.util[:0]
}
