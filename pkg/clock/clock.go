// Package clock provides the market-session time source. It uses the
// local wall clock when it agrees with the venue's authoritative clock
// to within one second at startup, otherwise every Now call queries
// the venue.
package clock

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ofb/creek/pkg/broker"
	"github.com/ofb/creek/pkg/models"
)

type Clock struct {
	broker broker.Broker
	local  bool
	info   models.ClockInfo
	logger *logrus.Entry
}

func New(ctx context.Context, b broker.Broker, logger *logrus.Logger) (*Clock, error) {
	info, err := b.GetClock(ctx)
	if err != nil {
		return nil, err
	}
	c := &Clock{
		broker: b,
		info:   info,
		logger: logger.WithField("component", "clock"),
	}
	delta := time.Since(info.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	c.local = delta < time.Second
	if c.local {
		c.logger.Info("Using local clock")
	} else {
		c.logger.WithField("skew", delta).Info("Local clock skewed, using venue clock")
	}
	return c, nil
}

// Now returns the current market time. In venue mode a failed query is
// an error; the caller treats the cycle as failed and retries on the
// next cadence tick.
func (c *Clock) Now(ctx context.Context) (time.Time, error) {
	if c.local {
		return time.Now(), nil
	}
	info, err := c.broker.GetClock(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return info.Timestamp, nil
}

func (c *Clock) IsOpen() bool         { return c.info.IsOpen }
func (c *Clock) NextOpen() time.Time  { return c.info.NextOpen }
func (c *Clock) NextClose() time.Time { return c.info.NextClose }

func (c *Clock) Refresh(ctx context.Context) error {
	info, err := c.broker.GetClock(ctx)
	if err != nil {
		return err
	}
	c.info = info
	return nil
}

// Rest blocks until the next session open, then re-synchronizes. A
// coarse sleep: the caller re-checks IsOpen afterward.
func (c *Clock) Rest(ctx context.Context) error {
	now, err := c.Now(ctx)
	if err != nil {
		return err
	}
	delta := c.info.NextOpen.Sub(now)
	if delta > 0 {
		c.logger.WithFields(logrus.Fields{
			"next_open": c.info.NextOpen.Format("01/02/2006 15:04"),
			"sleep":     delta.Truncate(time.Second).String(),
		}).Info("Market closed, resting until next open")
		timer := time.NewTimer(delta)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return c.Refresh(ctx)
}
