package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"airwatch-ingest/internal/telemetry/application"
	telemetry "airwatch-ingest/internal/telemetry/domain"
)

const maxBodyBytes = 1 << 20

// Acceptor is the shared ingestion pipeline.
type Acceptor interface {
	Accept(ctx context.Context, in application.Ingress) (application.Result, error)
	Reject(in application.Ingress, reason telemetry.Reason)
}

// Authorizer checks the caller's bearer credential.
type Authorizer interface {
	Authorize(r *http.Request) error
}

// Handler receives broker webhook deliveries on /ingest.
type Handler struct {
	acceptor Acceptor
	auth     Authorizer
	logger   *slog.Logger
}

// NewHandler constructs a webhook handler.
func NewHandler(acceptor Acceptor, auth Authorizer, logger *slog.Logger) (*Handler, error) {
	if acceptor == nil {
		return nil, errors.New("webhook: nil acceptor")
	}
	if auth == nil {
		return nil, errors.New("webhook: nil authorizer")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{acceptor: acceptor, auth: auth, logger: logger.With("component", "webhook")}, nil
}

// envelope is the broker rule-engine delivery format.
type envelope struct {
	ClientID  string          `json:"clientid"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	QoS       int             `json:"qos"`
	Retain    bool            `json:"retain"`
	Timestamp int64           `json:"timestamp"`
}

// payloadBytes returns the device JSON whether the broker sent it as a string
// or inline as an object.
func (e envelope) payloadBytes() ([]byte, error) {
	raw := bytes.TrimSpace(e.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
	return raw, nil
}

type response struct {
	Success   bool   `json:"success"`
	DataID    string `json:"dataId,omitempty"`
	Status    string `json:"status,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ServeHTTP handles POST /ingest and GET /ingest.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"service": "airwatch-ingest",
			"route":   "/ingest",
			"method":  http.MethodPost,
			"status":  "ok",
		})
		return
	case http.MethodPost:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	in := application.Ingress{
		RemoteAddr: remoteAddr(r),
		Source:     telemetry.SourceWebhook,
	}

	if err := h.auth.Authorize(r); err != nil {
		h.logger.Warn("unauthorized ingest", "remote", in.RemoteAddr, "err", err)
		h.acceptor.Reject(in, telemetry.ReasonUnauthorized)
		writeJSON(w, http.StatusUnauthorized, response{Error: string(telemetry.ReasonUnauthorized)})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	defer r.Body.Close()
	if err != nil {
		h.logger.Warn("read body error", "err", err)
		h.acceptor.Reject(in, telemetry.ReasonInvalidPayload)
		writeJSON(w, http.StatusBadRequest, response{Error: string(telemetry.ReasonInvalidPayload)})
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.logger.Warn("decode envelope error", "err", err)
		in.Payload = body
		h.acceptor.Reject(in, telemetry.ReasonInvalidPayload)
		writeJSON(w, http.StatusBadRequest, response{Error: string(telemetry.ReasonInvalidPayload)})
		return
	}
	in.ClientID = env.ClientID

	payload, err := env.payloadBytes()
	if err != nil {
		h.acceptor.Reject(in, telemetry.ReasonInvalidPayload)
		writeJSON(w, http.StatusBadRequest, response{Error: string(telemetry.ReasonInvalidPayload)})
		return
	}
	in.Payload = payload

	sensorID, err := telemetry.SensorIDFromTopic(env.Topic)
	if err != nil {
		h.logger.Warn("invalid topic", "topic", env.Topic)
		h.acceptor.Reject(in, telemetry.ReasonInvalidTopic)
		writeJSON(w, http.StatusBadRequest, response{Error: string(telemetry.ReasonInvalidTopic)})
		return
	}
	in.SensorID = sensorID

	result, err := h.acceptor.Accept(r.Context(), in)
	if err != nil {
		h.writeError(w, result, err)
		return
	}
	writeJSON(w, http.StatusOK, response{
		Success:   true,
		DataID:    result.ReadingID,
		Status:    string(result.Status),
		Duplicate: result.Duplicate,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, result application.Result, err error) {
	reason, ok := telemetry.ReasonOf(err)
	if !ok {
		h.logger.Error("ingest failed", "sensor", result.SensorID, "request_id", result.RequestID, "err", err)
		writeJSON(w, http.StatusInternalServerError, response{Error: "internal error"})
		return
	}
	status := http.StatusBadRequest
	switch reason {
	case telemetry.ReasonUnknownSensor:
		status = http.StatusNotFound
	case telemetry.ReasonRateLimited:
		status = http.StatusTooManyRequests
		seconds := int(result.RetryAfter.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	writeJSON(w, status, response{Error: string(reason)})
}

func remoteAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
