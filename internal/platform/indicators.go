package platform

import (
	"math"
	"sort"
)

// IndicatorParams enumerates every tunable indicator option.
type IndicatorParams struct {
	RSIPeriod   int
	FastPeriod  int
	SlowPeriod  int
	BBPeriod    int
	BBDeviation float64
	StochPeriod int
	ADXPeriod   int
	ATRPeriod   int
}

// DefaultIndicatorParams returns the standard periods.
func DefaultIndicatorParams() IndicatorParams {
	return IndicatorParams{
		RSIPeriod:   14,
		FastPeriod:  10,
		SlowPeriod:  50,
		BBPeriod:    20,
		BBDeviation: 2.0,
		StochPeriod: 14,
		ADXPeriod:   14,
		ATRPeriod:   14,
	}
}

func (p *IndicatorParams) fill() {
	d := DefaultIndicatorParams()
	if p.RSIPeriod <= 0 {
		p.RSIPeriod = d.RSIPeriod
	}
	if p.FastPeriod <= 0 {
		p.FastPeriod = d.FastPeriod
	}
	if p.SlowPeriod <= 0 {
		p.SlowPeriod = d.SlowPeriod
	}
	if p.BBPeriod <= 0 {
		p.BBPeriod = d.BBPeriod
	}
	if p.BBDeviation <= 0 {
		p.BBDeviation = d.BBDeviation
	}
	if p.StochPeriod <= 0 {
		p.StochPeriod = d.StochPeriod
	}
	if p.ADXPeriod <= 0 {
		p.ADXPeriod = d.ADXPeriod
	}
	if p.ATRPeriod <= 0 {
		p.ATRPeriod = d.ATRPeriod
	}
}

// IndicatorEngine computes indicator values from a mid-price series.
// A value is omitted when the series is too short for its period.
type IndicatorEngine struct {
	params IndicatorParams
	funcs  map[string]func(mids []float64) (float64, bool)
}

// NewIndicatorEngine builds an engine with the given parameters.
func NewIndicatorEngine(params IndicatorParams) *IndicatorEngine {
	params.fill()
	e := &IndicatorEngine{params: params}
	e.funcs = map[string]func([]float64) (float64, bool){
		"SMA":        e.smaFast,
		"SMASlow":    e.smaSlow,
		"EMA":        e.emaFast,
		"RSI":        e.rsi,
		"MACD":       e.macd,
		"MACDSignal": e.macdSignal,
		"BBUpper":    e.bbUpper,
		"BBLower":    e.bbLower,
		"Stochastic": e.stochastic,
		"ADX":        e.adx,
		"ATR":        e.atr,
	}
	return e
}

// Names returns the supported indicator names in sorted order.
func (e *IndicatorEngine) Names() []string {
	out := make([]string, 0, len(e.funcs))
	for name := range e.funcs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Supports reports whether name is a known indicator.
func (e *IndicatorEngine) Supports(name string) bool {
	_, ok := e.funcs[name]
	return ok
}

// Compute evaluates the requested indicators over mids.
func (e *IndicatorEngine) Compute(mids []float64, names []string) map[string]float64 {
	out := make(map[string]float64, len(names))
	for _, name := range names {
		fn, ok := e.funcs[name]
		if !ok {
			continue
		}
		if v, ok := fn(mids); ok {
			out[name] = v
		}
	}
	return out
}

func (e *IndicatorEngine) smaFast(mids []float64) (float64, bool) {
	return tailSMA(mids, e.params.FastPeriod)
}

func (e *IndicatorEngine) smaSlow(mids []float64) (float64, bool) {
	return tailSMA(mids, e.params.SlowPeriod)
}

func (e *IndicatorEngine) emaFast(mids []float64) (float64, bool) {
	if len(mids) < e.params.FastPeriod {
		return 0, false
	}
	return ema(mids, e.params.FastPeriod), true
}

func (e *IndicatorEngine) rsi(mids []float64) (float64, bool) {
	n := len(mids)
	period := e.params.RSIPeriod
	if n < period+1 {
		return 0, false
	}
	gains, losses := 0.0, 0.0
	for i := n - period; i < n; i++ {
		diff := mids[i] - mids[i-1]
		if diff > 0 {
			gains += diff
		} else {
			losses -= diff
		}
	}
	if losses == 0 {
		return 100, true
	}
	rs := gains / losses
	return 100 - 100/(1+rs), true
}

func (e *IndicatorEngine) macd(mids []float64) (float64, bool) {
	if len(mids) < 26 {
		return 0, false
	}
	return ema(mids, 12) - ema(mids, 26), true
}

func (e *IndicatorEngine) macdSignal(mids []float64) (float64, bool) {
	hist := macdHistory(mids)
	if len(hist) < 9 {
		return 0, false
	}
	return ema(hist, 9), true
}

func (e *IndicatorEngine) bands(mids []float64) (mean, dev float64, ok bool) {
	n := len(mids)
	if n < e.params.BBPeriod {
		return 0, 0, false
	}
	recent := mids[n-e.params.BBPeriod:]
	mean = sma(recent)
	return mean, e.params.BBDeviation * stdDev(recent, mean), true
}

func (e *IndicatorEngine) bbUpper(mids []float64) (float64, bool) {
	mean, dev, ok := e.bands(mids)
	return mean + dev, ok
}

func (e *IndicatorEngine) bbLower(mids []float64) (float64, bool) {
	mean, dev, ok := e.bands(mids)
	return mean - dev, ok
}

func (e *IndicatorEngine) stochastic(mids []float64) (float64, bool) {
	n := len(mids)
	if n < e.params.StochPeriod {
		return 0, false
	}
	recent := mids[n-e.params.StochPeriod:]
	high, low := maxVal(recent), minVal(recent)
	if high == low {
		return 50, true
	}
	return (mids[n-1] - low) / (high - low) * 100, true
}

// adx approximates trend strength from directional movement of mid prices.
func (e *IndicatorEngine) adx(mids []float64) (float64, bool) {
	n := len(mids)
	period := e.params.ADXPeriod
	if n < period+1 {
		return 0, false
	}
	var plusDM, minusDM float64
	for i := n - period; i < n; i++ {
		diff := mids[i] - mids[i-1]
		if diff > 0 {
			plusDM += diff
		} else {
			minusDM -= diff
		}
	}
	total := plusDM + minusDM
	if total == 0 {
		return 0, true
	}
	return math.Abs(plusDM-minusDM) / total * 100, true
}

// atr uses absolute mid-to-mid moves as the true range.
func (e *IndicatorEngine) atr(mids []float64) (float64, bool) {
	n := len(mids)
	period := e.params.ATRPeriod
	if n < period+1 {
		return 0, false
	}
	sum := 0.0
	for i := n - period; i < n; i++ {
		sum += math.Abs(mids[i] - mids[i-1])
	}
	return sum / float64(period), true
}

func tailSMA(values []float64, period int) (float64, bool) {
	if len(values) < period {
		return 0, false
	}
	return sma(values[len(values)-period:]), true
}

func sma(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func ema(data []float64, period int) float64 {
	if len(data) < period {
		return 0
	}
	k := 2.0 / float64(period+1)
	e := sma(data[:period])
	for i := period; i < len(data); i++ {
		e = data[i]*k + e*(1-k)
	}
	return e
}

func macdHistory(mids []float64) []float64 {
	if len(mids) < 26 {
		return nil
	}
	history := make([]float64, 0, len(mids)-25)
	for i := 26; i <= len(mids); i++ {
		history = append(history, ema(mids[:i], 12)-ema(mids[:i], 26))
	}
	return history
}

func stdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(values)))
}

func maxVal(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minVal(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
