package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

// UpstreamForwarder posts command results back to the party that issued the command.
type UpstreamForwarder struct {
	base  *BaseClient
	token string
}

// NewUpstreamForwarder returns forwarder. token is sent as "Authorization: Token <token>" when set.
func NewUpstreamForwarder(httpClient HTTPDoer, token string) *UpstreamForwarder {
	return &UpstreamForwarder{base: NewBaseClient("", httpClient), token: token}
}

// Forward sends one POST with the command result; any non-2xx answer is an error.
func (f *UpstreamForwarder) Forward(ctx context.Context, callback models.UpstreamCallback, cmd models.PendingCommand) error {
	if cmd.Result == nil {
		return fmt.Errorf("command %s has no result", cmd.ID)
	}
	body, err := json.Marshal(cmd.Result)
	if err != nil {
		return err
	}
	status, _, err := f.base.Do(ctx, http.MethodPost, callback.ResponseURL, body, map[string]string{
		"Authorization":    tokenHeader(f.token),
		"X-Request-ID":     callback.RequestID,
		"X-Correlation-ID": callback.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("post command result: %w", err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("post command result: upstream returned status %d", status)
	}
	return nil
}
