package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/deals"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/realtime"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingActivities struct {
	records []activity.Record
	err     error
}

func (r *recordingActivities) Append(_ context.Context, record activity.Record) (activity.Record, error) {
	if r.err != nil {
		return activity.Record{}, r.err
	}
	record.ActivityID = "activity-" + string(record.ActivityType)
	r.records = append(r.records, record)
	return record, nil
}

type targetedMessage struct {
	subject int64
	message realtime.Message
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	global   []realtime.Message
	targeted []targetedMessage
}

func (b *recordingBroadcaster) BroadcastAll(_ context.Context, message realtime.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, message)
}

func (b *recordingBroadcaster) BroadcastToSubject(_ context.Context, subject int64, message realtime.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targeted = append(b.targeted, targetedMessage{subject: subject, message: message})
}

type mapNamer map[string]string

func (m mapNamer) StageName(_ context.Context, id string) string    { return m[id] }
func (m mapNamer) PipelineName(_ context.Context, id string) string { return m[id] }

func newTestNotifier(activities ActivityRecorder, logger *zap.Logger) (*Notifier, *recordingBroadcaster) {
	broadcaster := &recordingBroadcaster{}
	return New(Config{
		Activities:  activities,
		Broadcaster: broadcaster,
		Namer:       mapNamer{"lead": "Lead", "won": "Won", "sales": "Sales", "renewals": "Renewals"},
		Clock:       func() time.Time { return time.UnixMilli(1700000000500) },
		Logger:      logger,
	}), broadcaster
}

func baseDeal() *deals.Deal {
	return &deals.Deal{
		DealID:          "deal-1",
		PipelineID:      "sales",
		StageID:         "lead",
		Title:           "Acme",
		Outcome:         deals.OutcomeOpen,
		UpdatedAtMillis: 1700000000000,
	}
}

func TestNotifyStageMoveRecordsActivityAndEmitsOneEvent(t *testing.T) {
	activities := &recordingActivities{}
	notifier, broadcaster := newTestNotifier(activities, nil)

	before := baseDeal()
	after := baseDeal()
	after.StageID = "won"
	after.Outcome = deals.OutcomeWon
	after.UpdatedAtMillis++

	notifier.Notify(context.Background(), deals.Mutation{
		Kind:          deals.MutationMoved,
		Actor:         deals.SubjectID(7),
		Before:        before,
		After:         after,
		ChangedFields: []string{deals.FieldStageID, deals.FieldOutcome},
	})

	if len(activities.records) != 1 {
		t.Fatalf("expected exactly one activity, got %d", len(activities.records))
	}
	record := activities.records[0]
	if record.ActivityType != activity.TypeStageChanged {
		t.Fatalf("expected stage change to win over outcome change, got %s", record.ActivityType)
	}
	if record.Description != "Stage changed from Lead to Won" {
		t.Fatalf("unexpected description %q", record.Description)
	}
	if record.CreatedBy == nil || *record.CreatedBy != 7 {
		t.Fatalf("expected creator 7, got %v", record.CreatedBy)
	}

	if len(broadcaster.global) != 1 {
		t.Fatalf("expected one global event, got %d", len(broadcaster.global))
	}
	event, err := realtime.DecodeChangeEvent(broadcaster.global[0])
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if event.Topic != realtime.TopicDealMoved || event.Action != "moved" || event.ResourceType != "deal" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.ActivityID != "activity-stage_changed" || event.UpdatedAtMillis != after.UpdatedAtMillis {
		t.Fatalf("expected activity and version on event, got %+v", event)
	}
}

func TestNotifyPipelineChangeTakesPrecedence(t *testing.T) {
	activities := &recordingActivities{}
	notifier, _ := newTestNotifier(activities, nil)

	after := baseDeal()
	after.PipelineID = "renewals"
	after.StageID = "renewal-open"

	notifier.Notify(context.Background(), deals.Mutation{
		Kind:   deals.MutationMoved,
		Actor:  deals.SubjectID(7),
		Before: baseDeal(),
		After:  after,
	})

	if len(activities.records) != 1 || activities.records[0].ActivityType != activity.TypePipelineChanged {
		t.Fatalf("expected pipeline change activity, got %+v", activities.records)
	}
	if activities.records[0].Description != "Moved from pipeline Sales to Renewals" {
		t.Fatalf("unexpected description %q", activities.records[0].Description)
	}
}

func TestNotifyTopicMapping(t *testing.T) {
	notesAfter := baseDeal()
	notesAfter.Notes = "fresh"
	cases := []struct {
		name     string
		mutation deals.Mutation
		topic    string
		action   string
	}{
		{"created", deals.Mutation{Kind: deals.MutationCreated, After: baseDeal()}, realtime.TopicDealCreated, "created"},
		{"deleted", deals.Mutation{Kind: deals.MutationDeleted, Before: baseDeal(), After: baseDeal()}, realtime.TopicDealDeleted, "deleted"},
		{"notes only", deals.Mutation{Kind: deals.MutationUpdated, Before: baseDeal(), After: notesAfter, ChangedFields: []string{deals.FieldNotes}}, realtime.TopicDealNotesUpdated, "updated"},
		{"title and notes", deals.Mutation{Kind: deals.MutationUpdated, Before: baseDeal(), After: notesAfter, ChangedFields: []string{deals.FieldTitle, deals.FieldNotes}}, realtime.TopicDealUpdated, "updated"},
		{"quote", deals.Mutation{Kind: deals.MutationUpdated, Before: baseDeal(), After: baseDeal(), ChangedFields: []string{deals.FieldQuote}, QuoteChange: &deals.QuoteChange{Action: deals.QuoteItemAdded, Item: deals.QuoteItem{Description: "Seats"}}}, realtime.TopicDealQuoteUpdated, "updated"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			notifier, broadcaster := newTestNotifier(&recordingActivities{}, nil)
			notifier.Notify(context.Background(), tc.mutation)
			if len(broadcaster.global) != 1 {
				t.Fatalf("expected one event, got %d", len(broadcaster.global))
			}
			event, err := realtime.DecodeChangeEvent(broadcaster.global[0])
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if broadcaster.global[0].Type != tc.topic || event.Topic != tc.topic || event.Action != tc.action {
				t.Fatalf("expected %s/%s, got %s/%s", tc.topic, tc.action, event.Topic, event.Action)
			}
		})
	}
}

func TestNotifyQuoteChangeRecordsQuoteActivity(t *testing.T) {
	activities := &recordingActivities{}
	notifier, _ := newTestNotifier(activities, nil)

	notifier.Notify(context.Background(), deals.Mutation{
		Kind:          deals.MutationUpdated,
		Actor:         deals.SystemActor,
		Before:        baseDeal(),
		After:         baseDeal(),
		ChangedFields: []string{deals.FieldQuote},
		QuoteChange:   &deals.QuoteChange{Action: deals.QuoteItemRemoved, Item: deals.QuoteItem{Description: "Seats"}},
	})

	if len(activities.records) != 1 {
		t.Fatalf("expected one activity, got %d", len(activities.records))
	}
	record := activities.records[0]
	if record.ActivityType != activity.TypeQuoteItemRemoved || record.Description != "Quote item removed: Seats" {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.CreatedBy != nil {
		t.Fatalf("expected system change to carry no creator")
	}
}

func TestNotifyPlainUpdateRecordsNoActivity(t *testing.T) {
	activities := &recordingActivities{}
	notifier, broadcaster := newTestNotifier(activities, nil)

	after := baseDeal()
	after.Title = "Renamed"
	notifier.Notify(context.Background(), deals.Mutation{
		Kind:          deals.MutationUpdated,
		Actor:         deals.SubjectID(7),
		Before:        baseDeal(),
		After:         after,
		ChangedFields: []string{deals.FieldTitle},
	})

	if len(activities.records) != 0 {
		t.Fatalf("expected no activity, got %+v", activities.records)
	}
	if len(broadcaster.global) != 1 {
		t.Fatalf("expected one event, got %d", len(broadcaster.global))
	}
}

func TestNotifyActivityFailureIsSwallowedAndLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	notifier, broadcaster := newTestNotifier(&recordingActivities{err: errors.New("disk full")}, zap.New(core))

	after := baseDeal()
	after.Outcome = deals.OutcomeLost
	notifier.Notify(context.Background(), deals.Mutation{
		Kind:   deals.MutationUpdated,
		Actor:  deals.SubjectID(7),
		Before: baseDeal(),
		After:  after,
	})

	if len(broadcaster.global) != 1 {
		t.Fatalf("expected the event despite the activity failure")
	}
	event, _ := realtime.DecodeChangeEvent(broadcaster.global[0])
	if event.ActivityID != "" {
		t.Fatalf("expected no activity id on event, got %s", event.ActivityID)
	}
	entries := logs.FilterMessage("activity write failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one logged failure, got %d", len(entries))
	}
	if entries[0].ContextMap()["reason"] != "activity_failed" {
		t.Fatalf("unexpected log fields %v", entries[0].ContextMap())
	}
}

func TestNotifyNewOwnerReceivesTargetedNotification(t *testing.T) {
	notifier, broadcaster := newTestNotifier(&recordingActivities{}, nil)

	owner := int64(42)
	after := baseDeal()
	after.OwnerID = &owner
	notifier.Notify(context.Background(), deals.Mutation{
		Kind:          deals.MutationUpdated,
		Actor:         deals.SubjectID(7),
		Before:        baseDeal(),
		After:         after,
		ChangedFields: []string{deals.FieldOwnerID},
	})

	if len(broadcaster.global) != 1 {
		t.Fatalf("expected one global event, got %d", len(broadcaster.global))
	}
	if len(broadcaster.targeted) != 1 || broadcaster.targeted[0].subject != 42 {
		t.Fatalf("expected a notification for subject 42, got %+v", broadcaster.targeted)
	}
	if broadcaster.targeted[0].message.Type != realtime.TopicNotification {
		t.Fatalf("unexpected targeted type %s", broadcaster.targeted[0].message.Type)
	}
}

func TestNotifySelfAssignmentSendsNoNotification(t *testing.T) {
	notifier, broadcaster := newTestNotifier(&recordingActivities{}, nil)

	owner := int64(7)
	after := baseDeal()
	after.OwnerID = &owner
	notifier.Notify(context.Background(), deals.Mutation{
		Kind:  deals.MutationCreated,
		Actor: deals.SubjectID(7),
		After: after,
	})

	if len(broadcaster.targeted) != 0 {
		t.Fatalf("expected no targeted notification, got %+v", broadcaster.targeted)
	}
}
