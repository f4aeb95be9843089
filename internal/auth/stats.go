package auth

import "time"

const statsWindowDays = 30

// Stats tracks usage of a single API key over a rolling 30-day window.
type Stats struct {
	TotalRequests  uint64            `json:"total_requests"`
	RequestsToday  uint64            `json:"requests_today"`
	LastUsedAt     time.Time         `json:"last_used_at"`
	RequestsPerDay map[string]uint64 `json:"requests_per_day"`
}

// NewStats returns empty stats.
func NewStats(now time.Time) Stats {
	return Stats{
		LastUsedAt:     now,
		RequestsPerDay: make(map[string]uint64),
	}
}

// Record counts one request at the given instant and prunes daily buckets
// older than the window.
func (s *Stats) Record(now time.Time) {
	if s.RequestsPerDay == nil {
		s.RequestsPerDay = make(map[string]uint64)
	}
	today := now.UTC().Format(time.DateOnly)
	s.TotalRequests++
	s.LastUsedAt = now
	s.RequestsPerDay[today]++
	s.RequestsToday = s.RequestsPerDay[today]

	cutoff := now.UTC().AddDate(0, 0, -statsWindowDays).Format(time.DateOnly)
	for date := range s.RequestsPerDay {
		if date < cutoff {
			delete(s.RequestsPerDay, date)
		}
	}
}

// PeakDailyRequests returns the largest daily bucket in the window.
func (s Stats) PeakDailyRequests() uint64 {
	var peak uint64
	for _, count := range s.RequestsPerDay {
		if count > peak {
			peak = count
		}
	}
	return peak
}

// UsageSummary aggregates stats for reporting.
type UsageSummary struct {
	AverageDailyRequests float64 `json:"average_daily_requests"`
	PeakDailyRequests    uint64  `json:"peak_daily_requests"`
	DaysUntilExpiry      int64   `json:"days_until_expiry"`
}

// UsageReport combines key info, raw stats, and the derived summary.
type UsageReport struct {
	KeyInfo KeyInfo      `json:"key_info"`
	Stats   Stats        `json:"stats"`
	Summary UsageSummary `json:"usage_summary"`
}
