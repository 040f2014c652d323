package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

// ErrDispatch marks a failure to hand a command to the charge point operator.
var ErrDispatch = errors.New("command dispatch failed")

// CPOCommandsClient relays issued commands to the charge point operator's commands module.
type CPOCommandsClient struct {
	base  *BaseClient
	token string
}

// NewCPOCommandsClient returns client.
func NewCPOCommandsClient(baseURL, token string, httpClient HTTPDoer) *CPOCommandsClient {
	return &CPOCommandsClient{base: NewBaseClient(baseURL, httpClient), token: token}
}

// Dispatch posts the OCPI command object as is and decodes the CPO's synchronous
// CommandResponse. The object's response_url must already point back at this hub.
func (c *CPOCommandsClient) Dispatch(ctx context.Context, cmdType models.CommandType, command json.RawMessage, headers map[string]string) (models.CommandResponse, error) {
	if len(command) == 0 {
		return models.CommandResponse{}, fmt.Errorf("%w: empty command", ErrDispatch)
	}
	h := map[string]string{"Authorization": tokenHeader(c.token)}
	for k, v := range headers {
		h[k] = v
	}

	status, respBody, err := c.base.Do(ctx, http.MethodPost, "/"+string(cmdType), command, h)
	if err != nil {
		return models.CommandResponse{}, fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	if status < 200 || status > 299 {
		return models.CommandResponse{}, fmt.Errorf("%w: cpo returned status %d", ErrDispatch, status)
	}

	var envelope struct {
		Data          *models.CommandResponse `json:"data"`
		StatusCode    models.StatusCode       `json:"status_code"`
		StatusMessage string                  `json:"status_message"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return models.CommandResponse{}, fmt.Errorf("%w: decode response: %v", ErrDispatch, err)
	}
	if envelope.StatusCode != models.StatusSuccess {
		return models.CommandResponse{}, fmt.Errorf("%w: cpo status %d %s", ErrDispatch, envelope.StatusCode, envelope.StatusMessage)
	}
	if envelope.Data == nil {
		return models.CommandResponse{}, fmt.Errorf("%w: empty response", ErrDispatch)
	}
	return *envelope.Data, nil
}
