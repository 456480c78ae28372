package trader

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/ofb/creek/pkg/models"
)

func testEntry() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l.WithField("component", "trader")
}

func TestAccountGate(t *testing.T) {
	healthy := models.Account{Equity: 100000, Cash: 50000, ShortingEnabled: true}
	assert.NoError(t, accountGate(healthy))

	for _, account := range []models.Account{
		{ShortingEnabled: true, TradingBlocked: true},
		{ShortingEnabled: true, AccountBlocked: true},
		{ShortingEnabled: false},
	} {
		err := accountGate(account)
		assert.ErrorIs(t, err, ErrHalt)
	}
}

func TestUsableCapitalFloors(t *testing.T) {
	account := models.Account{Equity: 10000, Cash: 2000}

	assert.InDelta(t, 7000.0, usableEquity(account, 3000), 1e-9)
	assert.InDelta(t, 1.0, usableEquity(account, 20000), 1e-9)
	assert.InDelta(t, 0.0, usableCash(account, 3000), 1e-9)
	assert.InDelta(t, 500.0, usableCash(account, 1500), 1e-9)
}

func TestRefreshTradeSizeOncePerDay(t *testing.T) {
	pt := &PairTrader{maxTradeSize: 0.05, logger: testEntry()}
	day := time.Date(2024, 3, 14, 10, 0, 0, 0, time.UTC)

	pt.equity = 100000
	pt.refreshTradeSize(day)
	assert.InDelta(t, 5000.0, pt.tradeSize, 1e-9)

	// Intraday equity changes do not resize trades.
	pt.equity = 120000
	pt.refreshTradeSize(day.Add(4 * time.Hour))
	assert.InDelta(t, 5000.0, pt.tradeSize, 1e-9)

	pt.refreshTradeSize(day.Add(25 * time.Hour))
	assert.InDelta(t, 6000.0, pt.tradeSize, 1e-9)
}
