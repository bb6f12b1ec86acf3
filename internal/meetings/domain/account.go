package domain

import (
	"context"

	"github.com/google/uuid"
)

// Plan is an account's subscription tier.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
)

// PlanLimits are the numeric admission limits checked at session creation.
type PlanLimits struct {
	MaxConcurrentSessions int
	// MaxParticipants caps Settings.MaxParticipants; zero means no cap.
	MaxParticipants        int
	DefaultMaxParticipants int
	RequiresMinutes        bool
}

// Limits returns the limits for the plan. Unknown plans get free limits.
func (p Plan) Limits() PlanLimits {
	if p == PlanPremium {
		return PlanLimits{MaxConcurrentSessions: 5, DefaultMaxParticipants: 10}
	}
	return PlanLimits{
		MaxConcurrentSessions:  1,
		MaxParticipants:        3,
		DefaultMaxParticipants: 3,
		RequiresMinutes:        true,
	}
}

// Account is the read-only view of a user account.
type Account struct {
	ID                uuid.UUID
	DisplayName       string
	Email             string
	PreferredLanguage string
	Plan              Plan
	AvailableMinutes  int
	IsStaff           bool
}

// AccountRepository reads accounts. Save exists for provisioning and tests.
type AccountRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Account, error)
	Save(ctx context.Context, account *Account) error
	// Lock holds the account row until the surrounding transaction ends, so
	// per-owner checks stay valid across processes.
	Lock(ctx context.Context, id uuid.UUID) error
}
