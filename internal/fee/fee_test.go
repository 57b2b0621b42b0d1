package fee

import (
	"testing"

	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func defaultCalculator(t require.TestingT) *Calculator {
	c, err := NewCalculator(Schedule{
		PlatformRate:   decimal.RequireFromString("0.025"),
		ProcessingRate: decimal.RequireFromString("0.005"),
	})
	require.NoError(t, err)
	return c
}

func TestCalculateFixedPriceJob(t *testing.T) {
	c := defaultCalculator(t)

	fees, net, err := c.Calculate(decimal.NewFromInt(100))
	require.NoError(t, err)
	require.True(t, fees.Platform.Equal(decimal.RequireFromString("2.5")), fees.Platform.String())
	require.True(t, fees.Processing.Equal(decimal.RequireFromString("0.5")), fees.Processing.String())
	require.True(t, fees.Gas.IsZero())
	require.True(t, fees.Total.Equal(decimal.NewFromInt(3)), fees.Total.String())
	require.True(t, net.Equal(decimal.RequireFromString("97.00")), net.String())
}

func TestCalculateWithGas(t *testing.T) {
	c, err := NewCalculator(Schedule{
		PlatformRate:   decimal.RequireFromString("0.025"),
		ProcessingRate: decimal.RequireFromString("0.005"),
		Gas:            decimal.RequireFromString("0.1"),
	})
	require.NoError(t, err)

	fees, net, err := c.Calculate(decimal.NewFromInt(10))
	require.NoError(t, err)
	require.True(t, fees.Total.Equal(decimal.RequireFromString("0.4")), fees.Total.String())
	require.True(t, net.Equal(decimal.RequireFromString("9.6")), net.String())

	_, _, err = c.Calculate(decimal.RequireFromString("0.05"))
	require.True(t, models.IsKind(err, models.KindValidation))
}

func TestCalculateRejectsNonPositiveGross(t *testing.T) {
	c := defaultCalculator(t)
	for _, gross := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5)} {
		_, _, err := c.Calculate(gross)
		require.Error(t, err)
		require.True(t, models.IsKind(err, models.KindValidation))
	}
	_, _, err := NoFees(decimal.Zero)
	require.True(t, models.IsKind(err, models.KindValidation))
}

func TestNewCalculatorRejectsBadRates(t *testing.T) {
	cases := []Schedule{
		{PlatformRate: decimal.NewFromInt(-1)},
		{PlatformRate: decimal.NewFromInt(1)},
		{ProcessingRate: decimal.RequireFromString("1.5")},
		{PlatformRate: decimal.RequireFromString("0.6"), ProcessingRate: decimal.RequireFromString("0.5")},
		{Gas: decimal.NewFromInt(-1)},
	}
	for _, s := range cases {
		_, err := NewCalculator(s)
		require.Error(t, err)
	}
}

func TestNoFeesReturnsGross(t *testing.T) {
	fees, net, err := NoFees(decimal.NewFromInt(100))
	require.NoError(t, err)
	require.True(t, fees.Total.IsZero())
	require.True(t, net.Equal(decimal.NewFromInt(100)))
}

func TestNetPlusFeesEqualsGross(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		platform := decimal.New(rapid.Int64Range(0, 400).Draw(t, "platform"), -3)
		processing := decimal.New(rapid.Int64Range(0, 400).Draw(t, "processing"), -3)
		c, err := NewCalculator(Schedule{PlatformRate: platform, ProcessingRate: processing})
		require.NoError(t, err)

		gross := decimal.New(rapid.Int64Range(1, 1_000_000_000).Draw(t, "gross"), -int32(rapid.IntRange(0, 6).Draw(t, "exp")))
		fees, net, err := c.Calculate(gross)
		require.NoError(t, err)
		require.True(t, net.Add(fees.Total).Equal(gross))
		require.False(t, net.IsNegative())

		tx := models.Transaction{GrossAmount: gross, Fees: fees, NetAmount: net}
		require.True(t, tx.Balanced())
	})
}
