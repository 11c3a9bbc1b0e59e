// Default built-in Strategy implementation. A real deployment plugs
// its own dynamic-expression evaluator in behind the Strategy
// interface; this file supplies the minimal concrete implementation
// bootstrap.go wires by default so the worker runs standalone. ATR and
// RSI use Wilder's smoothing (alpha = 1/period).
package main

// defaultStrategy computes Wilder ATR(14) and RSI(14) and signals on an
// RSI mean-reversion crossover (long below 30, short above 70). It is a
// placeholder default, not a recommendation; StrategyKey selects among
// real evaluators in a full deployment.
type defaultStrategy struct {
	atrPeriod int
	rsiPeriod int
}

// newDefaultStrategy builds the built-in fallback strategy.
func newDefaultStrategy() *defaultStrategy {
	return &defaultStrategy{atrPeriod: 14, rsiPeriod: 14}
}

func wilderEMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	alpha := 1.0 / float64(period)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

func trueRange(candles []Candle) []float64 {
	tr := make([]float64, len(candles))
	for i, c := range candles {
		hl := c.High - c.Low
		if hl < 0 {
			hl = -hl
		}
		if i == 0 {
			tr[i] = hl
			continue
		}
		prevClose := candles[i-1].Close
		hc := c.High - prevClose
		if hc < 0 {
			hc = -hc
		}
		lc := c.Low - prevClose
		if lc < 0 {
			lc = -lc
		}
		m := hl
		if hc > m {
			m = hc
		}
		if lc > m {
			m = lc
		}
		tr[i] = m
	}
	return tr
}

func rsiFrom(closes []float64, period int) []float64 {
	gain := make([]float64, len(closes))
	loss := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gain[i] = delta
		} else {
			loss[i] = -delta
		}
	}
	avgGain := wilderEMA(gain, period)
	avgLoss := wilderEMA(loss, period)
	out := make([]float64, len(closes))
	for i := range closes {
		if avgLoss[i] == 0 {
			out[i] = 100
			continue
		}
		rs := avgGain[i] / avgLoss[i]
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// Prepare implements Strategy.
func (s *defaultStrategy) Prepare(candles []Candle) (Frame, error) {
	f := NewFrame(candles)
	if len(candles) == 0 {
		return f, nil
	}
	tr := trueRange(candles)
	atr := wilderEMA(tr, s.atrPeriod)
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	rsi := rsiFrom(closes, s.rsiPeriod)
	f = f.WithColumn("atr", atr).WithColumn("rsi", rsi)
	return f, nil
}

// LongSignal implements Strategy.
func (s *defaultStrategy) LongSignal(f Frame, row int) bool {
	v, ok := f.Column("rsi", row)
	return ok && v <= 30
}

// ShortSignal implements Strategy.
func (s *defaultStrategy) ShortSignal(f Frame, row int) bool {
	v, ok := f.Column("rsi", row)
	return ok && v >= 70
}
