package slack

import (
	"encoding/json"
	"fmt"

	"github.com/connector-orchestrator/internal/domain"
	"github.com/slack-go/slack/slackevents"
)

var _ domain.WebhookInspector = (*Client)(nil)

// InspectWebhook reads the Events API envelope. The url_verification
// handshake is answered without a sync, callbacks carry the event id used
// for redelivery detection, and anything else is ignored.
func (c *Client) InspectWebhook(payload []byte) (domain.WebhookEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("slack payload: %w", err)
	}

	switch envelope.Type {
	case slackevents.URLVerification:
		var v slackevents.EventsAPIURLVerificationEvent
		if err := json.Unmarshal(payload, &v); err != nil {
			return domain.WebhookEvent{}, fmt.Errorf("slack url_verification: %w", err)
		}
		if v.Challenge == "" {
			return domain.WebhookEvent{}, fmt.Errorf("slack url_verification: missing challenge")
		}
		return domain.WebhookEvent{Challenge: v.Challenge}, nil
	case slackevents.CallbackEvent:
		var cb slackevents.EventsAPICallbackEvent
		if err := json.Unmarshal(payload, &cb); err != nil {
			return domain.WebhookEvent{}, fmt.Errorf("slack event_callback: %w", err)
		}
		return domain.WebhookEvent{EventID: cb.EventID}, nil
	default:
		return domain.WebhookEvent{Ignore: true}, nil
	}
}
