// Package handler exposes the pipeline as an API Gateway proxy Lambda.
package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ask-dora/internal/domain"
	"ask-dora/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// Pipeline is the use-case surface the handler drives.
type Pipeline interface {
	Handle(ctx context.Context, in usecase.HandleInput) (usecase.HandleOutput, error)
	StartConversation(ctx context.Context, in usecase.StartInput) (usecase.StartOutput, error)
}

type Handler struct {
	pipeline Pipeline
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

type newConversationRequest struct {
	ProfileID string `json:"profileId"`
	OwnerID   string `json:"ownerId"`
	ChildName string `json:"childName"`
	Age       int    `json:"age"`
}

type newConversationResponse struct {
	ConversationID string  `json:"conversationId"`
	Greeting       string  `json:"greeting"`
	AudioURL       *string `json:"audioUrl"`
}

type messageRequest struct {
	ConversationID string `json:"conversationId"`
	ProfileID      string `json:"profileId"`
	Message        string `json:"message"`
	ChildName      string `json:"childName"`
	Age            int    `json:"age"`
}

type messageResponse struct {
	Response           string  `json:"response"`
	AudioURL           *string `json:"audioUrl"`
	Source             string  `json:"source"`
	ConversationID     string  `json:"conversationId"`
	RateLimitRemaining int     `json:"rateLimitRemaining"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func NewHandler(p Pipeline, logger *zap.Logger) (*Handler, error) {
	if p == nil {
		return nil, errors.New("handler: pipeline must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		pipeline: p,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = h.newID()
	}
	log := h.logger.With(zap.String("correlation_id", correlationID))

	path := strings.TrimRight(req.Path, "/")
	switch {
	case req.HTTPMethod == http.MethodGet && strings.HasSuffix(path, "/health"):
		return h.respond(http.StatusOK, correlationID, healthResponse{
			Status:    "ok",
			Timestamp: h.now().UTC().Format(time.RFC3339),
		}), nil
	case req.HTTPMethod == http.MethodPost && strings.HasSuffix(path, "/ask-dora/new"):
		return h.startConversation(ctx, log, correlationID, req), nil
	case req.HTTPMethod == http.MethodPost && strings.HasSuffix(path, "/ask-dora/message"):
		return h.message(ctx, log, correlationID, req), nil
	}
	return h.respond(http.StatusNotFound, correlationID, errorResponse{
		Error:  string(usecase.ErrorNotFound),
		Reason: "unknown_route",
	}), nil
}

func (h *Handler) startConversation(ctx context.Context, log *zap.Logger, correlationID string, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body newConversationRequest
	if err := decodeBody(req, &body); err != nil {
		return h.invalidBody(log, correlationID, err)
	}
	profileID, ownerID := identity(req, body.ProfileID, body.OwnerID)

	out, err := h.pipeline.StartConversation(ctx, usecase.StartInput{
		ProfileID: profileID,
		OwnerID:   ownerID,
		Hints:     domain.Hints{ChildName: strings.TrimSpace(body.ChildName), Age: body.Age},
	})
	if err != nil {
		return h.fail(log.With(zap.String("profile_id", profileID)), correlationID, err)
	}
	return h.respond(http.StatusOK, correlationID, newConversationResponse{
		ConversationID: out.ConversationID,
		Greeting:       out.Greeting,
		AudioURL:       optional(out.AudioRef),
	})
}

func (h *Handler) message(ctx context.Context, log *zap.Logger, correlationID string, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body messageRequest
	if err := decodeBody(req, &body); err != nil {
		return h.invalidBody(log, correlationID, err)
	}
	profileID, _ := identity(req, body.ProfileID, "")
	log = log.With(zap.String("profile_id", profileID), zap.String("conversation_id", body.ConversationID))

	out, err := h.pipeline.Handle(ctx, usecase.HandleInput{
		ProfileID:      profileID,
		ConversationID: body.ConversationID,
		Question:       body.Message,
		Hints:          domain.Hints{ChildName: strings.TrimSpace(body.ChildName), Age: body.Age},
	})
	if err != nil {
		return h.fail(log, correlationID, err)
	}
	return h.respond(http.StatusOK, correlationID, messageResponse{
		Response:           out.Reply,
		AudioURL:           optional(out.AudioRef),
		Source:             string(out.Source),
		ConversationID:     strings.TrimSpace(body.ConversationID),
		RateLimitRemaining: out.RateLimitRemaining,
	})
}

func (h *Handler) invalidBody(log *zap.Logger, correlationID string, err error) events.APIGatewayProxyResponse {
	log.Info("invalid request body", zap.Error(err))
	return h.respond(http.StatusBadRequest, correlationID, errorResponse{
		Error:  string(usecase.ErrorInvalidInput),
		Reason: "invalid_json",
	})
}

func (h *Handler) fail(log *zap.Logger, correlationID string, err error) events.APIGatewayProxyResponse {
	var uErr *usecase.Error
	if !errors.As(err, &uErr) {
		log.Error("unexpected pipeline error", zap.Error(err))
		return h.respond(http.StatusInternalServerError, correlationID, errorResponse{Error: string(usecase.ErrorInternal)})
	}

	status := statusFor(uErr.Code)
	body := errorResponse{Error: string(uErr.Code), Reason: uErr.Reason}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("code", string(uErr.Code)), zap.String("reason", uErr.Reason), zap.Error(uErr.Err))
	} else {
		log.Info("request rejected", zap.String("code", string(uErr.Code)), zap.String("reason", uErr.Reason))
	}

	var retryAfter int
	if uErr.Code == usecase.ErrorRateLimited {
		retryAfter = retryAfterSeconds(uErr.RetryAfter)
		body.RetryAfter = retryAfter
	}
	resp := h.respond(status, correlationID, body)
	if retryAfter > 0 {
		resp.Headers["Retry-After"] = strconv.Itoa(retryAfter)
	}
	return resp
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func (h *Handler) respond(status int, correlationID string, v any) events.APIGatewayProxyResponse {
	resp := events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
	}
	raw, err := sonic.Marshal(v)
	if err != nil {
		h.logger.Error("encode response", zap.Error(err))
		resp.StatusCode = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	resp.Body = string(raw)
	return resp
}

func decodeBody(req events.APIGatewayProxyRequest, v any) error {
	body := req.Body
	if req.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return err
		}
		body = string(raw)
	}
	if strings.TrimSpace(body) == "" {
		return errors.New("empty body")
	}
	return sonic.UnmarshalString(body, v)
}

// identity prefers the authorizer's verified claims over the body.
func identity(req events.APIGatewayProxyRequest, bodyProfileID, bodyOwnerID string) (profileID, ownerID string) {
	profileID = strings.TrimSpace(bodyProfileID)
	ownerID = strings.TrimSpace(bodyOwnerID)
	if v, ok := req.RequestContext.Authorizer["profileId"].(string); ok && strings.TrimSpace(v) != "" {
		profileID = strings.TrimSpace(v)
	}
	if v, ok := req.RequestContext.Authorizer["ownerId"].(string); ok && strings.TrimSpace(v) != "" {
		ownerID = strings.TrimSpace(v)
	}
	return profileID, ownerID
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
