package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
)

func TestOPA_Allow(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, "", nil)
	require.NoError(t, err)
	require.NoError(t, p.HealthCheck(ctx))

	owner := uuid.New()
	other := uuid.New()

	tests := []struct {
		name string
		req  domain.AccessRequest
		want bool
	}{
		{"owner ends", domain.AccessRequest{Action: domain.ActionEndSession, ActorID: owner, OwnerID: owner}, true},
		{"owner cancels", domain.AccessRequest{Action: domain.ActionCancelSession, ActorID: owner, OwnerID: owner}, true},
		{"staff ends", domain.AccessRequest{Action: domain.ActionEndSession, ActorID: other, ActorIsStaff: true, OwnerID: owner}, true},
		{"stranger denied", domain.AccessRequest{Action: domain.ActionEndSession, ActorID: other, OwnerID: owner}, false},
		{"anonymous denied", domain.AccessRequest{Action: domain.ActionEndSession, ActorIsStaff: true, OwnerID: owner}, false},
		{"unknown action denied", domain.AccessRequest{Action: "delete_meeting", ActorID: owner, OwnerID: owner}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.MeetingID = uuid.New()
			tt.req.Status = domain.StatusLive
			got, err := p.Allow(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// The embedded policy and the in-code default agree.
			fallback, _ := domain.OwnerOrStaff{}.Allow(ctx, tt.req)
			if tt.req.Action != "delete_meeting" {
				assert.Equal(t, fallback, got)
			}
		})
	}
}

func TestOPA_PolicyFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "staff_only.rego")
	require.NoError(t, os.WriteFile(path, []byte(`package interpreta.access

default allow := false

allow if input.actor.staff
`), 0o600))

	p, err := New(ctx, path, nil)
	require.NoError(t, err)

	owner := uuid.New()
	allowed, err := p.Allow(ctx, domain.AccessRequest{Action: domain.ActionEndSession, ActorID: owner, OwnerID: owner})
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = p.Allow(ctx, domain.AccessRequest{Action: domain.ActionEndSession, ActorID: uuid.New(), ActorIsStaff: true, OwnerID: owner})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestNew_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, filepath.Join(t.TempDir(), "missing.rego"), nil)
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.rego")
	require.NoError(t, os.WriteFile(path, []byte("package interpreta.access\nallow if {"), 0o600))
	_, err = New(ctx, path, nil)
	require.Error(t, err)
}
