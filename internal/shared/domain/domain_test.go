package domain_test

import (
	"testing"
	"time"

	"github.com/felixgeelhaar/interpreta/internal/shared/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roomOpened struct {
	domain.BaseEvent
	Title string `json:"title"`
}

type room struct {
	domain.BaseAggregateRoot
}

func TestBaseEntity_Touch(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entity := domain.NewBaseEntity(start)

	assert.NotEqual(t, uuid.Nil, entity.ID())
	assert.Equal(t, start, entity.CreatedAt())

	entity.Touch(start.Add(time.Minute))
	assert.Equal(t, start.Add(time.Minute), entity.UpdatedAt())

	entity.Touch(start.Add(-time.Hour))
	assert.Equal(t, start.Add(time.Minute), entity.UpdatedAt(), "updatedAt must not move backwards")
	assert.Equal(t, start, entity.CreatedAt())
}

func TestRehydrateBaseEntity_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	id := uuid.New()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, loc)

	entity := domain.RehydrateBaseEntity(id, created, created)

	assert.Equal(t, id, entity.ID())
	assert.Equal(t, time.UTC, entity.CreatedAt().Location())
	assert.True(t, created.Equal(entity.CreatedAt()))
}

func TestBaseAggregateRoot_PullDomainEvents(t *testing.T) {
	now := time.Now()
	r := &room{BaseAggregateRoot: domain.NewBaseAggregateRoot(now)}

	r.AddDomainEvent(&roomOpened{BaseEvent: domain.NewBaseEvent(r.ID(), "Room", "rooms.room.opened", now), Title: "A"})
	r.AddDomainEvent(&roomOpened{BaseEvent: domain.NewBaseEvent(r.ID(), "Room", "rooms.room.opened", now), Title: "B"})
	require.Len(t, r.DomainEvents(), 2)

	pulled := r.PullDomainEvents()
	assert.Len(t, pulled, 2)
	assert.Empty(t, r.DomainEvents())
	assert.Empty(t, r.PullDomainEvents())
}

func TestBaseEvent_Metadata(t *testing.T) {
	aggregateID := uuid.New()
	actor := uuid.New()
	evt := &roomOpened{BaseEvent: domain.NewBaseEvent(aggregateID, "Room", "rooms.room.opened", time.Now())}

	evt.SetMetadata(domain.EventMetadata{CorrelationID: "corr-1", ActorID: actor})

	assert.NotEqual(t, uuid.Nil, evt.EventID())
	assert.Equal(t, aggregateID, evt.AggregateID())
	assert.Equal(t, "Room", evt.AggregateType())
	assert.Equal(t, "rooms.room.opened", evt.RoutingKey())
	assert.Equal(t, "corr-1", evt.Metadata().CorrelationID)
	assert.Equal(t, actor, evt.Metadata().ActorID)
}

func TestManualClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := domain.NewManualClock(start)

	clock.Advance(90 * time.Second)

	assert.Equal(t, start.Add(90*time.Second), clock.Now())
}
