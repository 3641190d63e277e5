package models

import "time"

// Risk levels derived from the score
const (
	RiskLevelLow      = "low"
	RiskLevelMedium   = "medium"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"
)

// Risk factor tags, in evaluation order
const (
	RiskFactorNewIP              = "new_ip"
	RiskFactorLocationChange     = "location_change"
	RiskFactorDormantAccount     = "dormant_account"
	RiskFactorFirstTimeLogin     = "first_time_login"
	RiskFactorRecentFailures     = "recent_failures"
	RiskFactorOffHours           = "off_hours"
	RiskFactorNewDevice          = "new_device"
	RiskFactorAutomatedUserAgent = "automated_user_agent"
	RiskFactorBadIP              = "bad_ip"
	RiskFactorSuspiciousIP       = "suspicious_ip"
	RiskFactorHighVelocity       = "high_velocity"
	RiskFactorUnknownIdentity    = "unknown_identity"
	RiskFactorAssessmentDegraded = "assessment_degraded"
)

// RiskAssessment is the scored output for one login attempt. It is never persisted.
type RiskAssessment struct {
	Score                int       `json:"score"`
	Level                string    `json:"level"`
	Factors              []string  `json:"factors"`
	RequiresSecondFactor bool      `json:"requires_second_factor"`
	ShouldBlock          bool      `json:"should_block"`
	Degraded             bool      `json:"degraded,omitempty"`
	EvaluatedAt          time.Time `json:"evaluated_at"`
}

// HasFactor reports whether the given factor tag contributed to the score
func (a *RiskAssessment) HasFactor(factor string) bool {
	for _, f := range a.Factors {
		if f == factor {
			return true
		}
	}
	return false
}

// Summary returns the client-safe projection of the assessment
func (a *RiskAssessment) Summary() *RiskSummary {
	return &RiskSummary{
		Level:                a.Level,
		RequiresSecondFactor: a.RequiresSecondFactor,
	}
}

// RiskLevelForScore maps a clamped score onto a level
func RiskLevelForScore(score int) string {
	switch {
	case score >= 80:
		return RiskLevelCritical
	case score >= 60:
		return RiskLevelHigh
	case score >= 30:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// LocationSnapshot is the last known coarse location of an identity
type LocationSnapshot struct {
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	Country     string       `json:"country,omitempty"`
	City        string       `json:"city,omitempty"`
	IPAddress   string       `json:"ip_address,omitempty"`
	RecordedAt  time.Time    `json:"recorded_at"`
}
