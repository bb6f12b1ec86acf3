package domain

import (
	"context"

	"github.com/google/uuid"
)

// Privileged actions on a meeting.
const (
	ActionEndSession    = "end_session"
	ActionCancelSession = "cancel_session"
)

// AccessRequest describes one privileged action attempt.
type AccessRequest struct {
	Action       string
	ActorID      uuid.UUID
	ActorIsStaff bool
	MeetingID    uuid.UUID
	OwnerID      uuid.UUID
	Status       Status
}

// AccessPolicy decides privileged actions.
type AccessPolicy interface {
	Allow(ctx context.Context, req AccessRequest) (bool, error)
}

// OwnerOrStaff allows the meeting owner and staff accounts.
type OwnerOrStaff struct{}

func (OwnerOrStaff) Allow(_ context.Context, req AccessRequest) (bool, error) {
	if req.ActorID == uuid.Nil {
		return false, nil
	}
	return req.ActorIsStaff || req.ActorID == req.OwnerID, nil
}
