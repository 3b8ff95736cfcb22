package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMakeAlert(t *testing.T) {
	testCases := []struct {
		name      string
		alertType string
		apiKey    string
		wantErr   bool
		wantNoop  bool
	}{
		{name: "empty type is noop", alertType: "", wantNoop: true},
		{name: "unknown type is noop", alertType: "Slack", apiKey: "x", wantNoop: true},
		{name: "pagerduty needs a key", alertType: "PagerDuty", wantErr: true},
		{name: "pagerduty with key", alertType: "PagerDuty", apiKey: "service-key"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := MakeAlert(tc.alertType, tc.apiKey, zap.NewNop())
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			_, isNoop := a.(*noopAlert)
			assert.Equal(t, tc.wantNoop, isNoop)
		})
	}
}

func TestNoopTriggerSucceeds(t *testing.T) {
	a, err := MakeAlert("", "", zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, a.Trigger("keeper account empty", map[string]string{"account": "0x0"}))
}
