package models

import "time"

// PendingChallengeVersion is bumped whenever the stored shape changes
const PendingChallengeVersion = 1

// PendingChallenge parks a login that passed credential and risk checks until a second factor arrives
type PendingChallenge struct {
	Version   int             `json:"v"`
	Handle    string          `json:"-"`
	UserID    string          `json:"user_id"`
	Context   LoginContext    `json:"context"`
	Risk      *RiskAssessment `json:"risk"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}
