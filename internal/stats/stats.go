// Package stats derives summary figures and chart series from a record set.
// Everything is recomputed from scratch on each call.
package stats

import (
	"cmp"
	"slices"

	"github.com/shopspring/decimal"

	"exchange-risk-ledger/internal/model"
)

const (
	// MediumRiskFrom is the lowest score in the medium bucket.
	MediumRiskFrom = 4
	// HighRiskFrom is the lowest score in the high bucket.
	HighRiskFrom = 7

	minScore = 0
	maxScore = 10

	// TrendLabelLayout formats trend point labels.
	TrendLabelLayout = "2006-01-02"
)

// Distribution buckets records by risk score. The buckets partition the set.
type Distribution struct {
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

// Total is the number of records across all buckets.
func (d Distribution) Total() int { return d.Low + d.Medium + d.High }

// TrendPoint is one bar of the liquidity trend.
type TrendPoint struct {
	ID        string  `json:"id"`
	Label     string  `json:"label"`
	CreatedAt int64   `json:"createdAt"`
	Liquidity float64 `json:"liquidity"`
	// Height is Liquidity relative to the largest value in the series.
	Height float64 `json:"height"`
}

// Trend is ordered oldest first.
type Trend []TrendPoint

// Empty reports whether there is nothing to chart.
func (t Trend) Empty() bool { return len(t) == 0 }

// MaxLiquidity returns the largest liquidity in the series, 0 when empty.
func (t Trend) MaxLiquidity() float64 {
	maxLiq := 0.0
	for i, p := range t {
		if i == 0 || p.Liquidity > maxLiq {
			maxLiq = p.Liquidity
		}
	}
	return maxLiq
}

// Summary holds every derived figure.
type Summary struct {
	TotalCount    int          `json:"totalCount"`
	AverageRisk   float64      `json:"averageRisk"`
	HighRiskCount int          `json:"highRiskCount"`
	VerifiedCount int          `json:"verifiedCount"`
	PendingCount  int          `json:"pendingCount"`
	RejectedCount int          `json:"rejectedCount"`
	Distribution  Distribution `json:"riskDistribution"`
	Trend         Trend        `json:"liquidityTrend"`
}

// AverageRiskDecimal rounds the mean to two places for display.
func (s Summary) AverageRiskDecimal() decimal.Decimal {
	return decimal.NewFromFloat(s.AverageRisk).Round(2)
}

// Bucket classifies a single score.
func Bucket(score int) string {
	switch {
	case score >= HighRiskFrom:
		return "high"
	case score >= MediumRiskFrom:
		return "medium"
	default:
		return "low"
	}
}

// Summarize computes the aggregates for records. Out-of-range scores are
// bucketed as stored but clamped into [0,10] for the mean.
func Summarize(records []model.Record) Summary {
	s := Summary{TotalCount: len(records), Trend: LiquidityTrend(records)}
	if len(records) == 0 {
		return s
	}

	sum := 0
	for _, r := range records {
		sum += min(max(r.RiskScore, minScore), maxScore)
		switch Bucket(r.RiskScore) {
		case "high":
			s.Distribution.High++
			s.HighRiskCount++
		case "medium":
			s.Distribution.Medium++
		default:
			s.Distribution.Low++
		}
		switch r.Status {
		case model.StatusVerified:
			s.VerifiedCount++
		case model.StatusRejected:
			s.RejectedCount++
		default:
			s.PendingCount++
		}
	}
	s.AverageRisk = float64(sum) / float64(len(records))
	return s
}

// LiquidityTrend orders records oldest first and scales each liquidity by the
// series maximum. Heights are 0 when the maximum is not positive.
func LiquidityTrend(records []model.Record) Trend {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b model.Record) int {
		return cmp.Compare(a.CreatedAt, b.CreatedAt)
	})

	trend := make(Trend, 0, len(sorted))
	for _, r := range sorted {
		trend = append(trend, TrendPoint{
			ID:        r.ID,
			Label:     r.CreatedTime().Format(TrendLabelLayout),
			CreatedAt: r.CreatedAt,
			Liquidity: r.Liquidity,
		})
	}
	if peak := trend.MaxLiquidity(); peak > 0 {
		for i := range trend {
			trend[i].Height = trend[i].Liquidity / peak
		}
	}
	return trend
}
