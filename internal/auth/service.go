package auth

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"scribe/internal/logging"
)

// Service is the credential gate that admits work: key lookup, status and
// expiry checks, permission checks, per-key rate limiting, and usage stats.
type Service struct {
	keys   KeyStore
	stats  StatsStore
	logger logging.Logger
	now    func() time.Time

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithClock overrides the time source. Useful in tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService builds a credential gate over the given stores.
func NewService(keys KeyStore, stats StatsStore, opts ...ServiceOption) *Service {
	s := &Service{
		keys:     keys,
		stats:    stats,
		logger:   logging.NewComponentLogger("Auth"),
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewMemoryService builds a gate over in-memory stores.
func NewMemoryService(opts ...ServiceOption) *Service {
	return NewService(NewMemoryKeyStore(), NewMemoryStatsStore(), opts...)
}

// Verify admits one request under the given key, or returns a typed Error.
// The key may carry a leading scheme word ("Bearer <key>"); the last
// whitespace-separated token is used.
func (s *Service) Verify(rawKey string, required Permission) error {
	key := lastToken(rawKey)
	if key == "" {
		return ErrMissingAPIKey
	}

	info, err := s.keys.GetKeyInfo(key)
	if err != nil {
		return &StorageError{Err: err}
	}
	if info == nil {
		return ErrInvalidAPIKey
	}

	now := s.now()
	switch info.Status {
	case KeySuspended:
		return ErrKeySuspended
	case KeyExpired:
		return ErrKeyExpired
	}
	if info.ExpiresAt != nil && info.ExpiresAt.Before(now) {
		return ErrKeyExpired
	}

	if !info.HasPermission(required) {
		return ErrInsufficientPermissions
	}

	if !s.limiterFor(key, info.RateLimit).AllowN(now, 1) {
		return ErrRateLimitExceeded
	}

	if err := s.recordUsage(key, now); err != nil {
		return &StorageError{Err: err}
	}
	return nil
}

// lastToken takes the final whitespace-separated token of the header value.
func lastToken(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// limiterFor returns the per-key token bucket, creating it lazily.
// Capacity is the per-minute cap; refill is continuous at cap/60 per second.
func (s *Service) limiterFor(key string, limit RateLimit) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	limiter, ok := s.limiters[key]
	if !ok {
		rpm := limit.RequestsPerMinute
		if rpm <= 0 {
			rpm = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
		s.limiters[key] = limiter
	}
	return limiter
}

func (s *Service) recordUsage(key string, now time.Time) error {
	stats, err := s.stats.GetStats(key)
	if err != nil {
		return err
	}
	if stats == nil {
		fresh := NewStats(now)
		stats = &fresh
	}
	stats.Record(now)
	return s.stats.UpdateStats(key, *stats)
}

// Create mints a new API key. A zero expiresInDays yields an already-expired
// key; nil means no expiry.
func (s *Service) Create(name string, permissions []Permission, limit RateLimit, expiresInDays *int) (KeyInfo, error) {
	now := s.now()
	info := KeyInfo{
		Key:         fmt.Sprintf("key-%s", uuid.NewString()),
		Name:        name,
		CreatedAt:   now,
		Permissions: permissions,
		RateLimit:   limit,
		Status:      KeyActive,
	}
	if expiresInDays != nil {
		expiresAt := now.AddDate(0, 0, *expiresInDays)
		info.ExpiresAt = &expiresAt
	}
	if err := s.keys.SetKeyInfo(info.Key, info); err != nil {
		return KeyInfo{}, &StorageError{Err: err}
	}
	s.logger.Info("created api key %s (%s)", info.Key, name)
	return info, nil
}

// Revoke suspends the key. Idempotent for already-suspended keys.
func (s *Service) Revoke(key string) error {
	if err := s.keys.UpdateKeyStatus(key, KeySuspended); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	s.logger.Info("revoked api key %s", key)
	return nil
}

// Stats returns usage stats for an existing key.
func (s *Service) Stats(key string) (Stats, error) {
	info, err := s.keys.GetKeyInfo(key)
	if err != nil {
		return Stats{}, &StorageError{Err: err}
	}
	if info == nil {
		return Stats{}, fmt.Errorf("api key not found")
	}
	stats, err := s.stats.GetStats(key)
	if err != nil {
		return Stats{}, &StorageError{Err: err}
	}
	if stats == nil {
		return NewStats(s.now()), nil
	}
	return *stats, nil
}

// UsageReport derives the reporting summary for a key.
func (s *Service) UsageReport(key string) (UsageReport, error) {
	stats, err := s.Stats(key)
	if err != nil {
		return UsageReport{}, err
	}
	info, err := s.keys.GetKeyInfo(key)
	if err != nil {
		return UsageReport{}, &StorageError{Err: err}
	}
	if info == nil {
		return UsageReport{}, fmt.Errorf("api key not found")
	}

	daysUntilExpiry := int64(-1)
	if info.ExpiresAt != nil {
		daysUntilExpiry = int64(info.ExpiresAt.Sub(s.now()).Hours() / 24)
	}
	return UsageReport{
		KeyInfo: *info,
		Stats:   stats,
		Summary: UsageSummary{
			AverageDailyRequests: float64(stats.TotalRequests) / float64(statsWindowDays),
			PeakDailyRequests:    stats.PeakDailyRequests(),
			DaysUntilExpiry:      daysUntilExpiry,
		},
	}, nil
}
