// Package features is the FeatureEngine: a pure, deterministic computation
// over a login attempt plus pre-fetched history, producing the eight-wide
// anomaly vector SPEC_FULL.md §4.2 describes. It performs no I/O of its own —
// callers pass in already-fetched history slices and day-bucketed counts so
// the engine's output depends only on its arguments, never on wall-clock
// reads, matching the determinism property in §8.
package features

import (
	"math"
	"sort"
	"time"

	"golang.org/x/text/cases"

	"rba-core/internal/models"
)

// Names, in the fixed order every consumer (IsolationScorer, RiskCombiner)
// must agree on.
const (
	NameBrowser     = "browser"
	NameOS          = "os"
	NameDevice      = "device"
	NameTimeOfHour  = "timeOfHour"
	NameDailyCount  = "dailyCount"
	NameTimeBetween = "timeBetween"
	NameFailed      = "failed"
	NameGeo         = "geo"
)

// Order is the canonical feature ordering used for vector serialization and
// the isolation-forest input.
var Order = []string{NameBrowser, NameOS, NameDevice, NameTimeOfHour, NameDailyCount, NameTimeBetween, NameFailed, NameGeo}

// Vector is the eight-wide anomaly score, each component in [0,1].
type Vector struct {
	Browser     float64
	OS          float64
	Device      float64
	TimeOfHour  float64
	DailyCount  float64
	TimeBetween float64
	Failed      float64
	Geo         float64
}

// Slice returns the vector in Order, the layout the isolation forest
// indexes by.
func (v Vector) Slice() []float64 {
	return []float64{v.Browser, v.OS, v.Device, v.TimeOfHour, v.DailyCount, v.TimeBetween, v.Failed, v.Geo}
}

// Map returns the vector keyed by feature name, the form RiskCombiner's
// weighted rule score consumes.
func (v Vector) Map() map[string]float64 {
	return map[string]float64{
		NameBrowser:     v.Browser,
		NameOS:          v.OS,
		NameDevice:      v.Device,
		NameTimeOfHour:  v.TimeOfHour,
		NameDailyCount:  v.DailyCount,
		NameTimeBetween: v.TimeBetween,
		NameFailed:      v.Failed,
		NameGeo:         v.Geo,
	}
}

// ColdStart is the fixed vector emitted whenever a user's successful-history
// window is empty.
var ColdStart = Vector{Browser: 0, OS: 0, Device: 0, TimeOfHour: 0.1, DailyCount: 0.1, TimeBetween: 0, Failed: 0, Geo: 0}

// CurrentAttempt is the candidate login event the engine scores.
type CurrentAttempt struct {
	Timestamp  time.Time
	Browser    string
	OS         string
	DeviceType string
	ASN        int
	Region     string
}

// Input bundles everything Compute needs: the candidate attempt, the
// reference time (the true attempt timestamp), and the history
// slices/aggregates the caller fetched under its own earlier snapshot bound.
type Input struct {
	Now time.Time

	Current CurrentAttempt

	// SuccessHistory holds up to 50 of the user's most recent successful
	// attempts strictly before Now, newest first.
	SuccessHistory []models.LoginAttempt

	// AllHistory holds up to 50 of the user's most recent attempts
	// (success and failure) strictly before Now, newest first; used only
	// by F7's consecutive-failure scan.
	AllHistory []models.LoginAttempt

	// DailyCounts maps "2006-01-02" (UTC) to the number of successful
	// logins that day, for each of the last 30 days excluding today.
	DailyCounts map[string]int

	// TodayCount is the number of successful logins today, strictly
	// before Now.
	TodayCount int
}

// PairwiseMode forces every feature outside Allow to zero, used for
// ablation-style testing per §4.2.
type PairwiseMode struct {
	Enabled bool
	Allow   map[string]bool
}

// Engine computes anomaly vectors. It is stateless and safe for concurrent
// use; the caser is built once since golang.org/x/text/cases.Caser is
// itself safe for concurrent reads.
type Engine struct {
	caser cases.Caser
}

func New() *Engine {
	return &Engine{caser: cases.Fold()}
}

func (e *Engine) fold(s string) string {
	return e.caser.String(s)
}

// Compute produces the anomaly vector for in, applying pairwise to mask
// features when enabled.
func (e *Engine) Compute(in Input, pairwise PairwiseMode) Vector {
	var v Vector
	if len(in.SuccessHistory) == 0 {
		v = ColdStart
	} else {
		v = Vector{
			Browser:     e.categorical(in.Current.Browser, in.SuccessHistory, func(a models.LoginAttempt) string { return a.Browser }),
			OS:          e.categorical(in.Current.OS, in.SuccessHistory, func(a models.LoginAttempt) string { return a.OS }),
			Device:      e.categorical(in.Current.DeviceType, in.SuccessHistory, func(a models.LoginAttempt) string { return a.DeviceType }),
			TimeOfHour:  e.timeOfHour(in.Current.Timestamp, in.SuccessHistory),
			DailyCount:  dailyCountAnomaly(in.TodayCount, in.DailyCounts),
			TimeBetween: timeBetweenAnomaly(in.Now, in.SuccessHistory),
			Failed:      failedAnomaly(in.AllHistory),
			Geo:         geoAnomaly(in.Current.ASN, in.Current.Region, in.SuccessHistory),
		}
	}

	if pairwise.Enabled {
		v = applyPairwise(v, pairwise.Allow)
	}
	return v
}

func applyPairwise(v Vector, allow map[string]bool) Vector {
	masked := Vector{}
	m := v.Map()
	out := map[string]float64{}
	for _, name := range Order {
		if allow[name] {
			out[name] = m[name]
		} else {
			out[name] = 0
		}
	}
	masked.Browser = out[NameBrowser]
	masked.OS = out[NameOS]
	masked.Device = out[NameDevice]
	masked.TimeOfHour = out[NameTimeOfHour]
	masked.DailyCount = out[NameDailyCount]
	masked.TimeBetween = out[NameTimeBetween]
	masked.Failed = out[NameFailed]
	masked.Geo = out[NameGeo]
	return masked
}

// categorical implements F1–F3: anomaly = 1 − (count(current in H) / |H|).
func (e *Engine) categorical(current string, history []models.LoginAttempt, field func(models.LoginAttempt) string) float64 {
	current = e.fold(current)
	count := 0
	for _, a := range history {
		if e.fold(field(a)) == current {
			count++
		}
	}
	similarity := float64(count) / float64(len(history))
	return clamp01(1 - similarity)
}

// timeOfHour implements F4: cyclic cosine similarity over a 24-hour
// histogram built from successful history.
func (e *Engine) timeOfHour(current time.Time, history []models.LoginAttempt) float64 {
	var hist [24]int
	for _, a := range history {
		hist[a.Timestamp.UTC().Hour()]++
	}

	x := float64(current.UTC().Hour())
	var weighted, total float64
	for i, n := range hist {
		if n == 0 {
			continue
		}
		weighted += float64(n) * math.Cos(2*math.Pi*x/24-2*math.Pi*float64(i)/24)
		total += float64(n)
	}
	if total == 0 {
		return ColdStart.TimeOfHour
	}

	similarity := 0.5 * (weighted/total + 1)
	return clamp01(1 - similarity)
}

// dailyCountAnomaly implements F5.
func dailyCountAnomaly(todayCount int, dailyCounts map[string]int) float64 {
	days := sortedDays(dailyCounts)
	var d []float64
	for _, day := range days {
		c := dailyCounts[day]
		if c > 5 {
			continue
		}
		d = append(d, float64(c))
	}

	if len(d) < 2 {
		switch {
		case todayCount == 0:
			return 0
		case todayCount > 5:
			return 1
		default:
			return 0.3
		}
	}
	if todayCount == 0 {
		return 0
	}

	ema, std := emaAndStd(d, 0.1, 1.0)
	z := clipf(float64(todayCount)-ema, std, -3, 3)
	similarity := math.Exp(-z * z / 2)
	raw := 1 - similarity
	return shapeNonLinear(clamp01(raw))
}

// timeBetweenAnomaly implements F6.
func timeBetweenAnomaly(now time.Time, history []models.LoginAttempt) float64 {
	sorted := sortByTimestampDesc(history)
	last := sorted[0].Timestamp

	delta := now.Sub(last).Seconds() - 5
	if delta < 0 {
		delta = 0
	}

	switch {
	case delta < 60:
		return 1.0
	case delta >= 7200:
		return 0.0
	}

	if len(sorted) == 1 {
		switch {
		case delta >= 60 && delta < 300:
			return 0.8
		case delta >= 300 && delta < 1800:
			return 0.6
		case delta >= 1800 && delta < 3600:
			return 0.4
		case delta >= 3600 && delta < 7200:
			return 0.2
		default:
			return 0.1
		}
	}

	deltas := interArrivalSeconds(sorted)
	ema, std := emaAndStd(deltas, 0.3, 3600.0)
	if std < 1800 {
		std = 1800
	}
	z := clipf(delta-ema, std, -3, 3)
	similarity := math.Exp(-z * z / 2)
	raw := 1 - similarity
	return shapeNonLinear(clamp01(raw))
}

// failedAnomaly implements F7: consecutive failures immediately preceding
// now, scanning newest-first and stopping at the first success.
func failedAnomaly(allHistory []models.LoginAttempt) float64 {
	sorted := sortByTimestampDesc(allHistory)
	const n = 3
	k := 0
	for _, a := range sorted {
		if !a.Success {
			k++
			continue
		}
		break
	}
	return clamp01(math.Min(1, float64(k)/n))
}

// geoAnomaly implements F8 over the last 10 successful attempts.
func geoAnomaly(currentASN int, currentRegion string, successHistory []models.LoginAttempt) float64 {
	sorted := sortByTimestampDesc(successHistory)
	if len(sorted) > 10 {
		sorted = sorted[:10]
	}

	asnSeen := false
	var regions []string
	for _, a := range sorted {
		if a.ASN == currentASN {
			asnSeen = true
		}
		if a.Region != "" && a.Region != "Unknown" {
			regions = append(regions, a.Region)
		}
	}

	g4 := 0.0
	if !asnSeen {
		g4 = 1.0
	}

	changes := 0
	for _, r := range regions {
		if r != currentRegion {
			changes++
		}
	}
	g5 := math.Min(1, float64(changes)/10.0)

	return clamp01(0.60*g4 + 0.40*g5)
}

// emaAndStd walks series in chronological order, returning the final EMA
// and lower-bounded running standard deviation.
func emaAndStd(series []float64, alpha, initStd float64) (ema, std float64) {
	ema = series[0]
	variance := initStd * initStd
	for i := 1; i < len(series); i++ {
		diff := series[i] - ema
		ema += alpha * diff
		variance = (1-alpha)*variance + alpha*diff*diff
	}
	std = math.Sqrt(variance)
	if std < 1 {
		std = 1
	}
	return ema, std
}

// shapeNonLinear applies F5/F6's shared shaping rule.
func shapeNonLinear(raw float64) float64 {
	switch {
	case raw < 0.3:
		return clamp01(raw * 0.5)
	case raw > 0.7:
		return clamp01(math.Min(1, raw*1.2))
	default:
		return raw
	}
}

func clipf(diff, std, lo, hi float64) float64 {
	z := diff / std
	if z < lo {
		return lo
	}
	if z > hi {
		return hi
	}
	return z
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func sortedDays(m map[string]int) []string {
	days := make([]string, 0, len(m))
	for d := range m {
		days = append(days, d)
	}
	sort.Strings(days)
	return days
}

func sortByTimestampDesc(history []models.LoginAttempt) []models.LoginAttempt {
	sorted := make([]models.LoginAttempt, len(history))
	copy(sorted, history)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].ID > sorted[j].ID
		}
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})
	return sorted
}

// interArrivalSeconds returns the seconds between consecutive successful
// logins in chronological (oldest-first) order.
func interArrivalSeconds(sortedDesc []models.LoginAttempt) []float64 {
	n := len(sortedDesc)
	chrono := make([]models.LoginAttempt, n)
	for i, a := range sortedDesc {
		chrono[n-1-i] = a
	}
	deltas := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		deltas = append(deltas, chrono[i].Timestamp.Sub(chrono[i-1].Timestamp).Seconds())
	}
	if len(deltas) == 0 {
		return []float64{3600}
	}
	return deltas
}
