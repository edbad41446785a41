// Package events publishes performance events to Amazon EventBridge.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.opentelemetry.io/otel/trace"

	apperrors "workshop-backend/internal/errors"
	"workshop-backend/internal/infrastructure/observability"
)

const (
	DetailTypeSlowOperation = "PerformanceAlert"
	DetailTypeBackendState  = "CacheBackendStateChanged"
)

// PutEventsAPI is the slice of the EventBridge client the publisher uses.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgePublisher sends alerts and cache backend transitions to an
// event bus. It satisfies observability.AlertSink.
type EventBridgePublisher struct {
	client   PutEventsAPI
	eventBus string
	source   string
	now      func() time.Time
}

func NewEventBridgePublisher(client PutEventsAPI, eventBus, source string) *EventBridgePublisher {
	if eventBus == "" {
		eventBus = "default"
	}
	if source == "" {
		source = "workshop.performance"
	}
	return &EventBridgePublisher{
		client:   client,
		eventBus: eventBus,
		source:   source,
		now:      time.Now,
	}
}

// NewEventBridgePublisherFromConfig builds the client from the default AWS
// credential chain.
func NewEventBridgePublisherFromConfig(ctx context.Context, region, eventBus, source string) (*EventBridgePublisher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewEventBridgePublisher(eventbridge.NewFromConfig(awsCfg), eventBus, source), nil
}

// Send publishes a slow-operation alert.
func (p *EventBridgePublisher) Send(ctx context.Context, alert observability.Alert) error {
	return p.publish(ctx, DetailTypeSlowOperation, alert, string(alert.Category)+":"+alert.Label)
}

type backendState struct {
	Backend    string    `json:"backend"`
	Connected  bool      `json:"connected"`
	OccurredAt time.Time `json:"occurredAt"`
}

// BackendStateChanged publishes a cache backend connectivity transition.
func (p *EventBridgePublisher) BackendStateChanged(ctx context.Context, backend string, connected bool) error {
	return p.publish(ctx, DetailTypeBackendState, backendState{
		Backend:    backend,
		Connected:  connected,
		OccurredAt: p.now(),
	}, backend)
}

func (p *EventBridgePublisher) publish(ctx context.Context, detailType string, detail any, resource string) error {
	data, err := json.Marshal(detail)
	if err != nil {
		return apperrors.Internal("EVENT_ENCODE_FAILED", "failed to marshal event detail").
			WithOperation("events.publish").
			WithCause(err).
			Build()
	}

	entry := types.PutEventsRequestEntry{
		EventBusName: aws.String(p.eventBus),
		Source:       aws.String(p.source),
		DetailType:   aws.String(detailType),
		Detail:       aws.String(string(data)),
		Time:         aws.Time(p.now()),
		Resources:    []string{resource},
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		entry.TraceHeader = aws.String(sc.TraceID().String())
	}

	out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{entry},
	})
	if err != nil {
		return apperrors.Wrap(err, "events.publish", "failed to put events")
	}
	if out.FailedEntryCount > 0 {
		code := ""
		if len(out.Entries) > 0 {
			code = aws.ToString(out.Entries[0].ErrorCode)
		}
		return apperrors.TransientIO("EVENT_REJECTED", fmt.Sprintf("event bus rejected %s event", detailType)).
			WithOperation("events.publish").
			WithDetails(code).
			Build()
	}
	return nil
}
