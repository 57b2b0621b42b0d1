package fee

import (
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/shopspring/decimal"
)

const DefaultPrecision int32 = 8

// Schedule holds the configured fee rates. Rates are fractions of the gross
// amount (0.025 is 2.5%); Gas is a flat amount charged on fee-bearing movements.
type Schedule struct {
	PlatformRate   decimal.Decimal
	ProcessingRate decimal.Decimal
	Gas            decimal.Decimal
	Precision      int32
}

// DefaultSchedule is 2.5% platform, 0.5% processing and no gas.
func DefaultSchedule() Schedule {
	return Schedule{
		PlatformRate:   decimal.RequireFromString("0.025"),
		ProcessingRate: decimal.RequireFromString("0.005"),
		Gas:            decimal.Zero,
		Precision:      DefaultPrecision,
	}
}

type Calculator struct {
	schedule Schedule
}

func NewCalculator(s Schedule) (*Calculator, error) {
	one := decimal.NewFromInt(1)
	if s.PlatformRate.IsNegative() || s.PlatformRate.GreaterThanOrEqual(one) {
		return nil, models.Validationf("platform rate must be in [0,1), got %s", s.PlatformRate)
	}
	if s.ProcessingRate.IsNegative() || s.ProcessingRate.GreaterThanOrEqual(one) {
		return nil, models.Validationf("processing rate must be in [0,1), got %s", s.ProcessingRate)
	}
	if s.PlatformRate.Add(s.ProcessingRate).GreaterThanOrEqual(one) {
		return nil, models.Validationf("combined fee rate must stay below 1, got %s", s.PlatformRate.Add(s.ProcessingRate))
	}
	if s.Gas.IsNegative() {
		return nil, models.Validationf("gas fee must be non-negative, got %s", s.Gas)
	}
	if s.Precision <= 0 {
		s.Precision = DefaultPrecision
	}
	return &Calculator{schedule: s}, nil
}

func (c *Calculator) Schedule() Schedule {
	return c.schedule
}

// Calculate splits gross into fees and the net payable amount. The net amount is
// derived by subtraction after rounding so net + fees.total == gross exactly.
func (c *Calculator) Calculate(gross decimal.Decimal) (models.Fees, decimal.Decimal, error) {
	if !gross.IsPositive() {
		return models.Fees{}, decimal.Zero, models.Validationf("gross amount must be positive, got %s", gross)
	}

	fees := models.Fees{
		Platform:   gross.Mul(c.schedule.PlatformRate).Round(c.schedule.Precision),
		Processing: gross.Mul(c.schedule.ProcessingRate).Round(c.schedule.Precision),
		Gas:        c.schedule.Gas,
	}
	fees.Total = fees.Platform.Add(fees.Processing).Add(fees.Gas)
	if fees.Total.GreaterThan(gross) {
		return models.Fees{}, decimal.Zero, models.Validationf("fees %s exceed gross amount %s", fees.Total, gross)
	}
	return fees, gross.Sub(fees.Total), nil
}

// NoFees is used for movements that return funds untouched, such as a refund.
func NoFees(gross decimal.Decimal) (models.Fees, decimal.Decimal, error) {
	if !gross.IsPositive() {
		return models.Fees{}, decimal.Zero, models.Validationf("gross amount must be positive, got %s", gross)
	}
	return models.Fees{
		Platform:   decimal.Zero,
		Processing: decimal.Zero,
		Gas:        decimal.Zero,
		Total:      decimal.Zero,
	}, gross, nil
}
