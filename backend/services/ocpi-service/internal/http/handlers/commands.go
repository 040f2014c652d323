package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ocpihub/backend/services/ocpi-service/internal/apierror"
	"ocpihub/backend/services/ocpi-service/internal/auth"
	"ocpihub/backend/services/ocpi-service/internal/commands"
	"ocpihub/backend/services/ocpi-service/internal/http/middleware"
	"ocpihub/backend/services/ocpi-service/internal/models"
)

// Path parameters of the commands module.
const (
	ParamCommandType = "commandType"
	ParamCommandID   = "commandID"
)

// Dispatcher hands an issued command to the charge point operator.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmdType models.CommandType, command json.RawMessage, headers map[string]string) (models.CommandResponse, error)
}

// CommandsHandler issues commands and correlates their asynchronous results.
type CommandsHandler struct {
	manager    *commands.Manager
	dispatcher Dispatcher
	baseURL    string
	logger     *zap.Logger
}

// NewCommandsHandler returns handler. A nil dispatcher makes every issued command fail with 3001.
func NewCommandsHandler(manager *commands.Manager, dispatcher Dispatcher, baseURL string, logger *zap.Logger) *CommandsHandler {
	return &CommandsHandler{
		manager:    manager,
		dispatcher: dispatcher,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

func commandType(r *http.Request) (models.CommandType, error) {
	t, err := models.ParseCommandType(chi.URLParam(r, ParamCommandType))
	if err != nil {
		return "", apierror.InvalidParameters("%v", err)
	}
	return t, nil
}

// Issue serves POST /commands/{TYPE}. The body's response_url becomes the upstream callback and is
// replaced by this hub's result endpoint before the command goes to the CPO.
func (h *CommandsHandler) Issue(w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireAnyRole(callerFrom(r), models.RoleEMSP); err != nil {
		writeError(w, err)
		return
	}
	cmdType, err := commandType(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := models.DecodeDocument(body)
	if err != nil {
		writeError(w, apierror.InvalidParameters("%v", err))
		return
	}

	var callback *models.UpstreamCallback
	if u := doc.String("response_url"); u != "" {
		callback = &models.UpstreamCallback{
			ResponseURL:   u,
			RequestID:     middleware.RequestIDFromContext(r.Context()),
			CorrelationID: middleware.CorrelationIDFromContext(r.Context()),
		}
	}
	cmd, err := h.manager.Register(r.Context(), cmdType, callback)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.dispatcher == nil {
		writeError(w, apierror.UnableToUseClientAPI("no charge point operator configured for commands"))
		return
	}
	doc["response_url"] = h.resultURL(r, cmdType, cmd.ID)
	payload, err := doc.Canonical()
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.dispatcher.Dispatch(r.Context(), cmdType, payload, map[string]string{
		middleware.HeaderRequestID:     middleware.RequestIDFromContext(r.Context()),
		middleware.HeaderCorrelationID: middleware.CorrelationIDFromContext(r.Context()),
	})
	if err != nil {
		h.logger.Warn("command dispatch failed",
			zap.String("command_id", cmd.ID),
			zap.String("type", string(cmdType)),
			zap.Error(err),
		)
		writeError(w, apierror.UnableToUseClientAPI("%v", err))
		return
	}

	resp.CommandID = cmd.ID
	if resp.Timeout <= 0 {
		resp.Timeout = int(h.manager.TTL() / time.Second)
	}
	writeOCPI(w, http.StatusOK, resp)
}

func (h *CommandsHandler) resultURL(r *http.Request, cmdType models.CommandType, id string) string {
	base := h.baseURL
	if base == "" {
		base = strings.TrimSuffix(requestURL(r, ""), "/"+string(cmdType))
	} else {
		base += "/commands"
	}
	return base + "/" + string(cmdType) + "/" + id
}

// Result serves POST /commands/{TYPE}/{id}: the CPO reporting a command outcome.
func (h *CommandsHandler) Result(w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireAnyRole(callerFrom(r), models.RoleCPO); err != nil {
		writeError(w, err)
		return
	}
	cmdType, err := commandType(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var result models.CommandResult
	if err := json.Unmarshal(body, &result); err != nil || result.Result == "" {
		writeError(w, apierror.InvalidParameters("invalid command result"))
		return
	}

	id := chi.URLParam(r, ParamCommandID)
	pending, err := h.manager.Get(r.Context(), id)
	switch {
	case errors.Is(err, commands.ErrNotFound):
		writeUnknownCommand(w)
		return
	case err != nil:
		writeError(w, err)
		return
	case pending.Type != cmdType:
		h.logger.Warn("command result for another command type",
			zap.String("command_id", id),
			zap.String("type", string(pending.Type)),
			zap.String("path_type", string(cmdType)),
		)
		writeUnknownCommand(w)
		return
	}

	c, err := h.manager.TryComplete(r.Context(), id, result)
	if err != nil {
		writeError(w, err)
		return
	}
	if !c.Found {
		writeUnknownCommand(w)
		return
	}
	writeOCPI(w, http.StatusAccepted, nil)
}

func writeUnknownCommand(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, models.NewResponse(models.StatusClientError, "unknown command", nil))
}

// Get serves GET /commands/{id}, an administrative snapshot.
func (h *CommandsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireAdmin(callerFrom(r)); err != nil {
		writeError(w, err)
		return
	}
	cmd, err := h.manager.Get(r.Context(), chi.URLParam(r, ParamCommandID))
	if errors.Is(err, commands.ErrNotFound) {
		writeError(w, apierror.NotFound("command %s not found", chi.URLParam(r, ParamCommandID)))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeOCPI(w, http.StatusOK, cmd)
}
