// Package stats computes the risk/return statistics surface of spec §6.4
// from a completed run's equity curve and closed-trade ledger.
package stats

import (
	"math"

	"github.com/shopspring/decimal"

	"fenrir/internal/types"
)

// Compute derives BacktestStats from the accumulated equity curve and
// closed trades. barCadenceMinutes is the actual sampling interval
// between consecutive equity points, used to annualize volatility-based
// ratios (spec §9 open question ii): callers must pass the cadence they
// actually sampled at, since the driver may subsample the curve.
func Compute(curve []types.EquityPoint, trades []types.ClosedTrade, fees, funding decimal.Decimal, barCadenceMinutes float64) types.BacktestStats {
	stats := types.BacktestStats{
		TotalFees:         fees,
		TotalFunding:      funding,
		BarCadenceMinutes: barCadenceMinutes,
	}
	if len(curve) == 0 {
		return stats
	}

	initial := curve[0].Equity
	final := curve[len(curve)-1].Equity
	if initial.Sign() > 0 {
		stats.TotalReturn = final.Sub(initial).Div(initial)
	}

	returns := periodReturns(curve)
	stats.Volatility = stddev(returns)

	periodsPerYear := periodsPerYearFor(barCadenceMinutes)
	meanReturn := mean(returns)
	stats.AnnualizedReturn = annualize(stats.TotalReturn, len(curve), periodsPerYear)

	if stats.Volatility > 0 {
		stats.SharpeRatio = (meanReturn / stats.Volatility) * math.Sqrt(periodsPerYear)
	}
	if downside := downsideDeviation(returns); downside > 0 {
		stats.SortinoRatio = (meanReturn / downside) * math.Sqrt(periodsPerYear)
	}

	stats.MaxDrawdown, stats.MaxDrawdownDuration = maxDrawdown(curve)
	if !stats.MaxDrawdown.IsZero() {
		maxDDFloat, _ := stats.MaxDrawdown.Abs().Float64()
		if maxDDFloat > 0 {
			stats.CalmarRatio = stats.AnnualizedReturn / maxDDFloat
		}
	}

	applyTradeStats(&stats, trades)
	return stats
}

func periodReturns(curve []types.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev.Sign() <= 0 {
			out = append(out, 0)
			continue
		}
		r := curve[i].Equity.Sub(prev).Div(prev)
		f, _ := r.Float64()
		out = append(out, f)
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

func downsideDeviation(xs []float64) float64 {
	var sumSq float64
	var n int
	for _, x := range xs {
		if x < 0 {
			sumSq += x * x
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sumSq / float64(n))
}

// periodsPerYearFor converts a bar cadence in minutes to the number of
// bars in a 365-day year, used to annualize per-bar return statistics.
func periodsPerYearFor(barCadenceMinutes float64) float64 {
	if barCadenceMinutes <= 0 {
		barCadenceMinutes = 1440 // default to daily bars
	}
	return (365 * 24 * 60) / barCadenceMinutes
}

func annualize(totalReturn decimal.Decimal, numPoints int, periodsPerYear float64) float64 {
	if numPoints <= 1 {
		return 0
	}
	tr, _ := totalReturn.Float64()
	years := float64(numPoints-1) / periodsPerYear
	if years <= 0 {
		return 0
	}
	return math.Pow(1+tr, 1/years) - 1
}

func maxDrawdown(curve []types.EquityPoint) (decimal.Decimal, int64) {
	peak := curve[0].Equity
	peakTime := curve[0].Timestamp
	maxDD := decimal.Zero
	var maxDur int64

	for _, p := range curve {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
			peakTime = p.Timestamp
		}
		if peak.Sign() <= 0 {
			continue
		}
		dd := peak.Sub(p.Equity).Div(peak)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
		if dur := p.Timestamp - peakTime; dur > maxDur {
			maxDur = dur
		}
	}
	return maxDD, maxDur
}

func applyTradeStats(stats *types.BacktestStats, trades []types.ClosedTrade) {
	stats.TotalTrades = len(trades)
	if len(trades) == 0 {
		return
	}

	var grossWin, grossLoss decimal.Decimal
	var totalHolding int64
	var streak, maxWinStreak, maxLossStreak int
	var lastWasWin bool

	for i, tr := range trades {
		totalHolding += tr.HoldingPeriodMs
		if tr.NetPnl.Sign() > 0 {
			stats.WinningTrades++
			grossWin = grossWin.Add(tr.NetPnl)
			if i > 0 && lastWasWin {
				streak++
			} else {
				streak = 1
			}
			lastWasWin = true
		} else {
			stats.LosingTrades++
			grossLoss = grossLoss.Add(tr.NetPnl.Abs())
			if i > 0 && !lastWasWin {
				streak++
			} else {
				streak = 1
			}
			lastWasWin = false
		}
		if lastWasWin && streak > maxWinStreak {
			maxWinStreak = streak
		}
		if !lastWasWin && streak > maxLossStreak {
			maxLossStreak = streak
		}
	}

	stats.MaxConsecutiveWins = maxWinStreak
	stats.MaxConsecutiveLosses = maxLossStreak
	stats.AvgHoldingPeriodMs = totalHolding / int64(len(trades))
	stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)

	if stats.WinningTrades > 0 {
		stats.AvgWin = grossWin.Div(decimal.NewFromInt(int64(stats.WinningTrades)))
	}
	if stats.LosingTrades > 0 {
		stats.AvgLoss = grossLoss.Div(decimal.NewFromInt(int64(stats.LosingTrades)))
	}
	if !grossLoss.IsZero() {
		gw, _ := grossWin.Float64()
		gl, _ := grossLoss.Float64()
		stats.ProfitFactor = gw / gl
	} else if !grossWin.IsZero() {
		stats.ProfitFactor = math.Inf(1)
	}
}
