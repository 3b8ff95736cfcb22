package alert

import (
	"fmt"

	"github.com/PagerDuty/go-pagerduty"
	"go.uber.org/zap"
)

// Alert escalates conditions an operator has to fix, such as an empty signing account.
type Alert interface {
	Trigger(description string, details interface{}) error
}

type pagerDuty struct {
	serviceKey string
	logger     *zap.Logger
}

var _ Alert = &pagerDuty{}

// Trigger creates a PagerDuty trigger. The description must not be empty.
func (p *pagerDuty) Trigger(description string, details interface{}) error {
	event := pagerduty.Event{
		ServiceKey:  p.serviceKey,
		Type:        "trigger",
		Description: description,
		Details:     details,
	}
	response, err := pagerduty.CreateEvent(event)
	if err != nil {
		return fmt.Errorf("send PagerDuty alert: %w", err)
	}
	p.logger.Info("Triggered PagerDuty alert", zap.String("incident_key", response.IncidentKey))
	return nil
}

type noopAlert struct{}

var _ Alert = &noopAlert{}

// Trigger does nothing; used when no escalation service is configured.
func (noopAlert) Trigger(description string, details interface{}) error {
	return nil
}

// MakeAlert builds the alert for alertType ("PagerDuty"); anything else yields a noop.
func MakeAlert(alertType, apiKey string, logger *zap.Logger) (Alert, error) {
	switch alertType {
	case "PagerDuty":
		if apiKey == "" {
			return nil, fmt.Errorf("PagerDuty alert requires a service key")
		}
		return &pagerDuty{serviceKey: apiKey, logger: logger}, nil
	default:
		return &noopAlert{}, nil
	}
}
