package services

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/config"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/stores"
	"github.com/BradenHooton/gatekeeper/pkg/geo"
)

// DeviceSet is the per-identity set of known device fingerprints
type DeviceSet interface {
	IsKnown(ctx context.Context, userID, fingerprint string) (bool, error)
	Remember(ctx context.Context, userID, fingerprint string, ttl time.Duration) error
}

// LocationHistory holds the last known location of each identity
type LocationHistory interface {
	Get(ctx context.Context, userID string) (*models.LocationSnapshot, error)
	Save(ctx context.Context, userID string, snap *models.LocationSnapshot, ttl time.Duration) error
}

// BadIPSet is the operator-maintained set of hostile addresses
type BadIPSet interface {
	Contains(ctx context.Context, ip string) (bool, error)
}

// RiskAssessor scores login attempts with an additive model
type RiskAssessor struct {
	cfg       config.RiskConfig
	devices   DeviceSet
	locations LocationHistory
	badIPs    BadIPSet
	counter   stores.RateCounter
	timeout   time.Duration
	now       Clock
	logger    *slog.Logger
}

func NewRiskAssessor(cfg config.RiskConfig, devices DeviceSet, locations LocationHistory, badIPs BadIPSet, counter stores.RateCounter, timeout time.Duration, now Clock, logger *slog.Logger) *RiskAssessor {
	return &RiskAssessor{
		cfg:       cfg,
		devices:   devices,
		locations: locations,
		badIPs:    badIPs,
		counter:   counter,
		timeout:   timeout,
		now:       now.orSystem(),
		logger:    logger,
	}
}

func recentFailureKey(userID, ip string) string {
	return "failures:" + userID + ":" + ip
}

func globalFailureKey(ip string) string {
	return "failures:ip:" + ip
}

func attemptKey(userID string, now time.Time) string {
	return "attempts:" + userID + ":" + strconv.FormatInt(now.Unix()/60, 10)
}

// RecordAttempt counts a login attempt for the identity in the current minute bucket
func (a *RiskAssessor) RecordAttempt(ctx context.Context, userID string) {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()

	if _, err := a.counter.Increment(ctx, attemptKey(userID, a.now()), time.Minute); err != nil {
		a.logger.Warn("failed to record login attempt", slog.String("user_id", userID), slog.String("error", err.Error()))
	}
}

// RecordFailure counts a failed login against the address, and against the
// identity at that address when the identity is known
func (a *RiskAssessor) RecordFailure(ctx context.Context, userID, ip string) {
	if ip == "" {
		return
	}
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()

	if _, err := a.counter.Increment(ctx, globalFailureKey(ip), a.cfg.GlobalIPFailureWindow); err != nil {
		a.logger.Warn("failed to record ip failure", slog.String("error", err.Error()))
	}
	if userID == "" {
		return
	}
	if _, err := a.counter.Increment(ctx, recentFailureKey(userID, ip), a.cfg.RecentFailureWindow); err != nil {
		a.logger.Warn("failed to record identity failure", slog.String("user_id", userID), slog.String("error", err.Error()))
	}
}

// Assess scores one login attempt and only reads the signal stores. It never
// fails: any lookup error yields the degraded assessment, which always demands
// a second factor.
func (a *RiskAssessor) Assess(ctx context.Context, user *models.User, lc models.LoginContext) *models.RiskAssessment {
	now := a.now()
	if user == nil {
		return a.finish(100, []string{models.RiskFactorUnknownIdentity}, now)
	}

	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()

	score, factors, err := a.score(ctx, user, lc, now)
	if err != nil {
		a.logger.Error("risk assessment degraded",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()))
		return a.degraded(now)
	}

	result := a.finish(score, factors, now)
	a.logger.Debug("risk assessed",
		slog.String("user_id", user.ID),
		slog.Int("score", result.Score),
		slog.String("level", result.Level),
		slog.String("factors", strings.Join(result.Factors, ",")))
	return result
}

func (a *RiskAssessor) score(ctx context.Context, user *models.User, lc models.LoginContext, now time.Time) (int, []string, error) {
	cfg := a.cfg
	score := 0
	factors := make([]string, 0, 4)
	add := func(weight int, factor string) {
		score += weight
		factors = append(factors, factor)
	}

	snapshot, err := a.locations.Get(ctx, user.ID)
	if err != nil {
		return 0, nil, err
	}

	if user.LastLoginIP != "" && lc.IPAddress != "" && user.LastLoginIP != lc.IPAddress {
		add(cfg.NewIPWeight, models.RiskFactorNewIP)
		if snapshot != nil && a.locationChanged(snapshot, lc) {
			add(cfg.LocationChangeWeight, models.RiskFactorLocationChange)
		}
	}

	switch {
	case user.LastLoginAt == nil:
		add(cfg.FirstLoginWeight, models.RiskFactorFirstTimeLogin)
	case now.Sub(*user.LastLoginAt) > cfg.DormantAfter:
		add(cfg.DormantWeight, models.RiskFactorDormantAccount)
	}

	if lc.IPAddress != "" {
		failures, err := a.counter.Count(ctx, recentFailureKey(user.ID, lc.IPAddress))
		if err != nil {
			return 0, nil, err
		}
		if failures > 0 {
			w := int(failures) * cfg.RecentFailureWeight
			if w > cfg.RecentFailureCap {
				w = cfg.RecentFailureCap
			}
			add(w, models.RiskFactorRecentFailures)
		}
	}

	if hour := now.Hour(); hour < cfg.OffHoursStart || hour >= cfg.OffHoursEnd {
		add(cfg.OffHoursWeight, models.RiskFactorOffHours)
	}

	if lc.DeviceFingerprint != "" {
		known, err := a.devices.IsKnown(ctx, user.ID, lc.DeviceFingerprint)
		if err != nil {
			return 0, nil, err
		}
		if !known {
			add(cfg.NewDeviceWeight, models.RiskFactorNewDevice)
		}
	}

	if a.isAutomated(lc.UserAgent) {
		add(cfg.AutomatedUserAgentWeight, models.RiskFactorAutomatedUserAgent)
	}

	if lc.IPAddress != "" {
		bad, err := a.badIPs.Contains(ctx, lc.IPAddress)
		if err != nil {
			return 0, nil, err
		}
		if bad {
			add(cfg.BadIPWeight, models.RiskFactorBadIP)
		} else {
			global, err := a.counter.Count(ctx, globalFailureKey(lc.IPAddress))
			if err != nil {
				return 0, nil, err
			}
			if global > int64(cfg.GlobalIPFailureThreshold) {
				add(cfg.GlobalIPFailureWeight, models.RiskFactorSuspiciousIP)
			}
		}
	}

	attempts, err := a.counter.Count(ctx, attemptKey(user.ID, now))
	if err != nil {
		return 0, nil, err
	}
	if attempts > int64(cfg.AttemptsPerMinuteLimit) {
		add(cfg.AttemptsPerMinuteWeight, models.RiskFactorHighVelocity)
	}

	return score, factors, nil
}

// Learn records the device and location of a login that ended in a session
// and clears the identity's failure count at that address. Assess only reads,
// so blocked or challenged attempts teach the model nothing.
func (a *RiskAssessor) Learn(ctx context.Context, userID string, lc models.LoginContext) {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()

	if lc.IPAddress != "" {
		if err := a.counter.Reset(ctx, recentFailureKey(userID, lc.IPAddress)); err != nil {
			a.logger.Warn("failed to clear identity failures", slog.String("user_id", userID), slog.String("error", err.Error()))
		}
	}

	if lc.DeviceFingerprint != "" {
		if err := a.devices.Remember(ctx, userID, lc.DeviceFingerprint, a.cfg.DeviceTTL); err != nil {
			a.logger.Warn("failed to remember device", slog.String("user_id", userID), slog.String("error", err.Error()))
		}
	}

	prev, err := a.locations.Get(ctx, userID)
	if err != nil {
		a.logger.Warn("failed to read location snapshot", slog.String("user_id", userID), slog.String("error", err.Error()))
		return
	}
	if err := a.refreshLocation(ctx, userID, prev, lc, a.now()); err != nil {
		a.logger.Warn("failed to save location snapshot", slog.String("user_id", userID), slog.String("error", err.Error()))
	}
}

// locationChanged compares coordinates when both sides have them and falls
// back to the country otherwise
func (a *RiskAssessor) locationChanged(prev *models.LocationSnapshot, lc models.LoginContext) bool {
	if prev.Coordinates != nil && lc.Coordinates != nil {
		d := geo.DistanceKm(
			prev.Coordinates.Latitude, prev.Coordinates.Longitude,
			lc.Coordinates.Latitude, lc.Coordinates.Longitude,
		)
		return d > a.cfg.LocationChangeDistanceKm
	}
	return prev.Country != "" && lc.Country != "" && !strings.EqualFold(prev.Country, lc.Country)
}

func (a *RiskAssessor) isAutomated(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return false
	}
	for _, pattern := range a.cfg.AutomatedUserAgents {
		if pattern != "" && strings.Contains(ua, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// refreshLocation overwrites the snapshot when none exists or it has gone stale
func (a *RiskAssessor) refreshLocation(ctx context.Context, userID string, prev *models.LocationSnapshot, lc models.LoginContext, now time.Time) error {
	if lc.Coordinates == nil && lc.Country == "" {
		return nil
	}
	if prev != nil && now.Sub(prev.RecordedAt) < a.cfg.LocationRefreshAfter {
		return nil
	}
	snap := &models.LocationSnapshot{
		Coordinates: lc.Coordinates,
		Country:     lc.Country,
		City:        lc.City,
		IPAddress:   lc.IPAddress,
		RecordedAt:  now,
	}
	return a.locations.Save(ctx, userID, snap, a.cfg.LocationTTL)
}

func (a *RiskAssessor) finish(score int, factors []string, now time.Time) *models.RiskAssessment {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return &models.RiskAssessment{
		Score:                score,
		Level:                models.RiskLevelForScore(score),
		Factors:              factors,
		RequiresSecondFactor: score >= a.cfg.SuspiciousThreshold,
		ShouldBlock:          score >= a.cfg.HighRiskThreshold,
		EvaluatedAt:          now,
	}
}

func (a *RiskAssessor) degraded(now time.Time) *models.RiskAssessment {
	result := a.finish(a.cfg.DegradedScore, []string{models.RiskFactorAssessmentDegraded}, now)
	result.RequiresSecondFactor = true
	result.ShouldBlock = false
	result.Degraded = true
	return result
}
