package application

import (
	"context"

	"github.com/felixgeelhaar/interpreta/internal/shared/domain"
	"github.com/felixgeelhaar/interpreta/pkg/observability"
	"github.com/google/uuid"
)

type metadataSetter interface {
	SetMetadata(metadata domain.EventMetadata)
}

// EventMetadataFromContext builds event metadata from the request scope.
// A context without a correlation id gets a fresh one so related events
// still group together.
func EventMetadataFromContext(ctx context.Context, actorID uuid.UUID) domain.EventMetadata {
	correlationID := observability.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return domain.EventMetadata{CorrelationID: correlationID, ActorID: actorID}
}

// ApplyEventMetadata sets metadata on all events that support it.
func ApplyEventMetadata(events []domain.DomainEvent, metadata domain.EventMetadata) {
	for _, event := range events {
		if setter, ok := event.(metadataSetter); ok {
			setter.SetMetadata(metadata)
		}
	}
}
