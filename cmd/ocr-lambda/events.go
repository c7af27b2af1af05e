package main

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

// Event identity for run completions on the bus. Downstream rules match on
// the detail type.
const (
	eventSource     = "doc-ocr-cli"
	eventDetailType = "ocr.run.completed"
)

// RunCompleted is the completion event payload.
type RunCompleted struct {
	RunID      string `json:"runId"`
	Source     string `json:"source"`
	State      string `json:"state"`
	Documents  int    `json:"documents"`
	Pages      int    `json:"pages"`
	Flagged    int    `json:"flagged"`
	Escalated  int    `json:"escalated"`
	SummaryKey string `json:"summaryKey"`
	// ResultURL is a presigned link to the run summary, valid for an hour.
	ResultURL string `json:"resultUrl,omitempty"`
}

// emitRunCompleted publishes the completion event. Best-effort: a missing
// bus or a failed put is logged, never returned.
func emitRunCompleted(ctx context.Context, event RunCompleted) {
	if eventsClient == nil {
		return
	}

	detail, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("runId", event.RunID).Msg("Failed to marshal completion event")
		return
	}

	input := &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{
			{
				Source:       aws.String(eventSource),
				DetailType:   aws.String(eventDetailType),
				Detail:       aws.String(string(detail)),
				EventBusName: aws.String(eventsBus),
			},
		},
	}

	result, err := eventsClient.PutEvents(ctx, input)
	if err != nil {
		log.Error().Err(err).Str("runId", event.RunID).Msg("EventBridge PutEvents failed")
		return
	}

	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil || entry.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(entry.ErrorCode)).
					Str("errorMessage", aws.ToString(entry.ErrorMessage)).
					Str("runId", event.RunID).
					Msg("Completion event entry rejected")
			}
		}
		return
	}

	log.Debug().Str("runId", event.RunID).Msg("Run completion event emitted")
}
