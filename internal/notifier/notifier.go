package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/deals"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/realtime"
	"go.uber.org/zap"
)

const (
	notificationDealAssigned = "deal_assigned"
	operationNotify          = "notifier.notify"
)

// ActivityRecorder persists derived activity records.
type ActivityRecorder interface {
	Append(ctx context.Context, record activity.Record) (activity.Record, error)
}

// Broadcaster delivers wire messages to observers.
type Broadcaster interface {
	BroadcastAll(ctx context.Context, message realtime.Message)
	BroadcastToSubject(ctx context.Context, subject int64, message realtime.Message)
}

// Namer resolves display names for activity descriptions.
type Namer interface {
	StageName(ctx context.Context, stageID string) string
	PipelineName(ctx context.Context, pipelineID string) string
}

type Config struct {
	Activities  ActivityRecorder
	Broadcaster Broadcaster
	Namer       Namer
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Notifier turns committed deal mutations into activity records and change events.
// It never reports failures back to the mutating caller.
type Notifier struct {
	activities  ActivityRecorder
	broadcaster Broadcaster
	namer       Namer
	clock       func() time.Time
	logger      *zap.Logger
}

func New(cfg Config) *Notifier {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	namer := cfg.Namer
	if namer == nil {
		namer = identityNamer{}
	}
	return &Notifier{
		activities:  cfg.Activities,
		broadcaster: cfg.Broadcaster,
		namer:       namer,
		clock:       clock,
		logger:      logger,
	}
}

// Notify records at most one activity for the mutation and emits one change event.
func (n *Notifier) Notify(ctx context.Context, mutation deals.Mutation) {
	dealID := mutation.DealID()
	if dealID == "" {
		return
	}

	event := realtime.ChangeEvent{
		Topic:        topicFor(mutation),
		ResourceType: deals.ResourceTypeDeal,
		ResourceID:   dealID,
		Action:       actionFor(mutation),
		Timestamp:    n.clock().UTC().UnixMilli(),
	}
	if mutation.After != nil {
		event.UpdatedAtMillis = mutation.After.UpdatedAtMillis
	}

	if record, ok := n.recordActivity(ctx, mutation); ok {
		event.ActivityID = record.ActivityID
		event.ActivityType = string(record.ActivityType)
	}

	n.emit(ctx, event)
	n.notifyAssignee(ctx, mutation)
}

func (n *Notifier) recordActivity(ctx context.Context, mutation deals.Mutation) (activity.Record, bool) {
	if n.activities == nil {
		return activity.Record{}, false
	}
	record, ok := n.deriveActivity(ctx, mutation)
	if !ok {
		return activity.Record{}, false
	}
	stored, err := n.activities.Append(ctx, record)
	if err != nil {
		n.logger.Warn("activity write failed",
			zap.String("operation", operationNotify),
			zap.String("reason", "activity_failed"),
			zap.String("deal_id", record.DealID),
			zap.String("activity_type", string(record.ActivityType)),
			zap.Error(err))
		return activity.Record{}, false
	}
	return stored, true
}

// deriveActivity applies the precedence pipeline, stage, outcome, quote item.
func (n *Notifier) deriveActivity(ctx context.Context, mutation deals.Mutation) (activity.Record, bool) {
	before, after := mutation.Before, mutation.After
	if mutation.Kind == deals.MutationCreated || mutation.Kind == deals.MutationDeleted || before == nil || after == nil {
		return activity.Record{}, false
	}

	record := activity.Record{DealID: after.DealID}
	if !mutation.Actor.IsSystem() {
		actor := mutation.Actor.Int64()
		record.CreatedBy = &actor
	}

	switch {
	case before.PipelineID != after.PipelineID:
		record.ActivityType = activity.TypePipelineChanged
		record.Description = fmt.Sprintf("Moved from pipeline %s to %s",
			n.namer.PipelineName(ctx, before.PipelineID), n.namer.PipelineName(ctx, after.PipelineID))
	case before.StageID != after.StageID:
		record.ActivityType = activity.TypeStageChanged
		record.Description = fmt.Sprintf("Stage changed from %s to %s",
			n.namer.StageName(ctx, before.StageID), n.namer.StageName(ctx, after.StageID))
	case before.Outcome != after.Outcome:
		record.ActivityType = activity.TypeOutcomeChanged
		record.Description = fmt.Sprintf("Outcome changed from %s to %s", before.Outcome, after.Outcome)
	case mutation.QuoteChange != nil:
		item := mutation.QuoteChange.Item
		switch mutation.QuoteChange.Action {
		case deals.QuoteItemAdded:
			record.ActivityType = activity.TypeQuoteItemAdded
			record.Description = "Quote item added: " + item.Description
		case deals.QuoteItemUpdated:
			record.ActivityType = activity.TypeQuoteItemUpdated
			record.Description = "Quote item updated: " + item.Description
		case deals.QuoteItemRemoved:
			record.ActivityType = activity.TypeQuoteItemRemoved
			record.Description = "Quote item removed: " + item.Description
		default:
			return activity.Record{}, false
		}
	default:
		return activity.Record{}, false
	}
	return record, true
}

func (n *Notifier) emit(ctx context.Context, event realtime.ChangeEvent) {
	if n.broadcaster == nil {
		return
	}
	message, err := realtime.NewChangeMessage(event)
	if err != nil {
		n.logger.Warn("change event encode failed",
			zap.String("operation", operationNotify),
			zap.String("reason", "encode_failed"),
			zap.Error(err))
		return
	}
	n.broadcaster.BroadcastAll(ctx, message)
}

func (n *Notifier) notifyAssignee(ctx context.Context, mutation deals.Mutation) {
	if n.broadcaster == nil || mutation.Kind == deals.MutationDeleted || mutation.After == nil || mutation.After.OwnerID == nil {
		return
	}
	owner := *mutation.After.OwnerID
	if mutation.Before != nil && mutation.Before.OwnerID != nil && *mutation.Before.OwnerID == owner {
		return
	}
	if owner == mutation.Actor.Int64() {
		return
	}
	message, err := realtime.NewMessage(realtime.TopicNotification, realtime.Notification{
		Kind:         notificationDealAssigned,
		Title:        "Deal assigned to you",
		Body:         mutation.After.Title,
		ResourceType: deals.ResourceTypeDeal,
		ResourceID:   mutation.After.DealID,
		Timestamp:    n.clock().UTC().UnixMilli(),
	})
	if err != nil {
		n.logger.Warn("notification encode failed",
			zap.String("operation", operationNotify),
			zap.String("reason", "encode_failed"),
			zap.Error(err))
		return
	}
	n.broadcaster.BroadcastToSubject(ctx, owner, message)
}

func topicFor(mutation deals.Mutation) string {
	switch {
	case mutation.Kind == deals.MutationCreated:
		return realtime.TopicDealCreated
	case mutation.Kind == deals.MutationDeleted:
		return realtime.TopicDealDeleted
	case mutation.Kind == deals.MutationMoved:
		return realtime.TopicDealMoved
	case mutation.QuoteChange != nil:
		return realtime.TopicDealQuoteUpdated
	case mutation.OnlyChanged(deals.FieldNotes):
		return realtime.TopicDealNotesUpdated
	default:
		return realtime.TopicDealUpdated
	}
}

func actionFor(mutation deals.Mutation) string {
	switch mutation.Kind {
	case deals.MutationCreated, deals.MutationDeleted, deals.MutationMoved:
		return string(mutation.Kind)
	default:
		return string(deals.MutationUpdated)
	}
}

type identityNamer struct{}

func (identityNamer) StageName(_ context.Context, stageID string) string { return stageID }

func (identityNamer) PipelineName(_ context.Context, pipelineID string) string { return pipelineID }
