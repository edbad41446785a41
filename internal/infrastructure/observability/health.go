package observability

import (
	"fmt"
	"math"
)

// LatencyProfile is the input of the API and database health formulas.
type LatencyProfile struct {
	AvgMs        float64
	ErrorRatePct float64
	P95Ms        float64
	SlowPct      float64
}

// scoreThresholds parameterises the shared API/database formula.
type scoreThresholds struct {
	name      string
	avgMs     float64
	errorRate float64
	p95Ms     float64
	slowPct   float64
}

var (
	apiThresholds      = scoreThresholds{name: "API", avgMs: 100, errorRate: 1, p95Ms: 150, slowPct: 5}
	databaseThresholds = scoreThresholds{name: "Database", avgMs: 50, errorRate: 0.5, p95Ms: 100, slowPct: 2}
)

// APIScore scores request handling latency and errors.
func APIScore(p LatencyProfile) (float64, []string) {
	return latencyScore(p, apiThresholds)
}

// DatabaseScore scores fetch latency and errors.
func DatabaseScore(p LatencyProfile) (float64, []string) {
	return latencyScore(p, databaseThresholds)
}

func latencyScore(p LatencyProfile, t scoreThresholds) (float64, []string) {
	score := 100.0
	var recs []string

	if p.AvgMs > t.avgMs {
		score -= math.Min(40, (p.AvgMs-t.avgMs)/10)
		recs = append(recs, fmt.Sprintf("%s average latency %.0fms exceeds %.0fms; cache hot paths or optimize slow operations", t.name, p.AvgMs, t.avgMs))
	}
	if p.ErrorRatePct > t.errorRate {
		score -= math.Min(30, (p.ErrorRatePct-t.errorRate)*5)
		recs = append(recs, fmt.Sprintf("%s error rate %.1f%% exceeds %.1f%%; inspect failing operations", t.name, p.ErrorRatePct, t.errorRate))
	}
	if p.P95Ms > t.p95Ms {
		score -= math.Min(20, (p.P95Ms-t.p95Ms)/20)
		recs = append(recs, fmt.Sprintf("%s p95 latency %.0fms exceeds %.0fms; look for outliers in slow operations", t.name, p.P95Ms, t.p95Ms))
	}
	if p.SlowPct > t.slowPct {
		score -= math.Min(10, p.SlowPct-t.slowPct)
		recs = append(recs, fmt.Sprintf("%.1f%% of %s operations are slow (limit %.0f%%)", p.SlowPct, t.name, t.slowPct))
	}

	return math.Max(0, score), recs
}

// CacheScore scores hit rate and lookup latency.
func CacheScore(hitRatePct, avgLatencyMs float64) (float64, []string) {
	score := 100.0
	var recs []string

	if hitRatePct < 85 {
		score -= math.Min(50, (85-hitRatePct)*2)
		recs = append(recs, fmt.Sprintf("Cache hit rate %.1f%% is below 85%%; review TTLs and cache more read paths", hitRatePct))
	}
	if avgLatencyMs > 10 {
		score -= math.Min(30, (avgLatencyMs-10)*2)
		recs = append(recs, fmt.Sprintf("Cache latency %.1fms exceeds 10ms; check the cache backend connection", avgLatencyMs))
	}

	return math.Max(0, score), recs
}

// HealthReport is the scored view of one Summary.
type HealthReport struct {
	API             float64  `json:"api"`
	Database        float64  `json:"database"`
	Cache           float64  `json:"cache"`
	Overall         int      `json:"overall"`
	Status          string   `json:"status"`
	Recommendations []string `json:"recommendations"`
}

// Health scores the three categories. A category without samples scores 100.
func Health(api, database, cache CategorySummary) HealthReport {
	var report HealthReport
	var recs []string

	report.API, recs = categoryScore(api, APIScore)
	report.Recommendations = append(report.Recommendations, recs...)

	report.Database, recs = categoryScore(database, DatabaseScore)
	report.Recommendations = append(report.Recommendations, recs...)

	report.Cache = 100
	if cache.Count > 0 {
		report.Cache, recs = CacheScore(cache.HitRatePct, cache.AvgMs)
		report.Recommendations = append(report.Recommendations, recs...)
	}

	report.Overall = int(math.Round((report.API + report.Database + report.Cache) / 3))
	report.Status = healthStatus(report.Overall)
	if report.Recommendations == nil {
		report.Recommendations = []string{}
	}
	return report
}

func categoryScore(s CategorySummary, score func(LatencyProfile) (float64, []string)) (float64, []string) {
	if s.Count == 0 {
		return 100, nil
	}
	return score(LatencyProfile{
		AvgMs:        s.AvgMs,
		ErrorRatePct: s.ErrorRatePct,
		P95Ms:        s.P95Ms,
		SlowPct:      s.SlowPct,
	})
}

func healthStatus(overall int) string {
	switch {
	case overall >= 90:
		return "excellent"
	case overall >= 75:
		return "good"
	case overall >= 50:
		return "degraded"
	default:
		return "critical"
	}
}
