package checkout

import (
	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/loyalty"
)

// EarnRule converts the cash paid for a ticket into earned points.
type EarnRule struct {
	PointsPerUnit decimal.Decimal
}

// DefaultEarnRule awards one point per currency unit.
var DefaultEarnRule = EarnRule{PointsPerUnit: decimal.NewFromInt(1)}

// Points returns floor(paid × PointsPerUnit), or zero when either is not
// positive.
func (r EarnRule) Points(paid decimal.Decimal) loyalty.Points {
	if !paid.IsPositive() || !r.PointsPerUnit.IsPositive() {
		return 0
	}
	return loyalty.Points(paid.Mul(r.PointsPerUnit).Floor().IntPart())
}
