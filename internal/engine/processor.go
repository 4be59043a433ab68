package engine

import (
	"context"

	"github.com/parleyhq/parley/pkg/models"
)

// Processor handles one event type. PreProcess always runs and may produce
// pre-events; Process runs unless the OnEvent hook overrides or drops the
// event. Pre-events and produced events are enqueued in that order after the
// event completes.
type Processor interface {
	ShouldProcess(ev *models.Event) bool
	PreProcess(ctx context.Context, ev *models.Event) ([]*models.Event, error)
	Process(ctx context.Context, ev *models.Event) ([]*models.Event, error)
}

// processorRegistry resolves processors by event type. Events with no
// processor complete as no-ops.
type processorRegistry map[models.EventType]Processor
