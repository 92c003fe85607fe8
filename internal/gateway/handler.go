// HTTP request handling for the budget gateway.
//
// DESIGN: Main request flow:
//   - handleManage():  single entry point for budget management
//   - handleHealth():  health check
//   - handleStats():   operational metrics snapshot (stats.go)
//
// The manage endpoint works on raw request bytes: messages are parsed with
// gjson, and the response is the inbound body with the messages array
// replaced and budget metadata attached via sjson, so any fields the
// translation layer sent along survive the round trip untouched.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/contextwarden/gateway/internal/budget"
	"github.com/contextwarden/gateway/internal/config"
	"github.com/contextwarden/gateway/internal/conversation"
	"github.com/contextwarden/gateway/internal/monitoring"
)

// Gateway is the HTTP surface over the budget manager.
type Gateway struct {
	cfg     *config.Config
	manager *budget.Manager
	metrics *monitoring.MetricsCollector
	tracker *monitoring.Tracker
}

// New creates the gateway.
func New(cfg *config.Config, manager *budget.Manager, metrics *monitoring.MetricsCollector, tracker *monitoring.Tracker) *Gateway {
	return &Gateway{cfg: cfg, manager: manager, metrics: metrics, tracker: tracker}
}

// Routes returns the gateway's HTTP mux.
func (g *Gateway) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/budget/manage", g.handleManage)
	mux.HandleFunc("/healthz", g.handleHealth)
	mux.HandleFunc("/stats", g.handleStats)
	mux.HandleFunc("/stats/live", g.handleStatsLive)
	return mux
}

// writeError writes a JSON error response.
func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": msg, "type": "budget_gateway_error"},
	})
}

// handleHealth returns gateway health status.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleManage runs one conversation through the budget pipeline.
//
// Request body: {"messages": [...], "endpoint_profile": {"hard_token_limit":
// N, "content_class": "text"|"vision"}, "image_descriptions": {"3": "..."}}.
// Response: the request body with "messages" replaced by the processed
// conversation and "budget_metadata" attached.
func (g *Gateway) handleManage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			g.writeError(w, fmt.Sprintf("read body: %v", err), http.StatusRequestEntityTooLarge)
			return
		}
		g.writeError(w, fmt.Sprintf("read body: %v", err), http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	start := time.Now()

	messagesRaw := gjson.GetBytes(body, "messages")
	if !messagesRaw.Exists() {
		g.writeError(w, "missing messages", http.StatusBadRequest)
		return
	}
	conv, err := conversation.ParseMessages([]byte(messagesRaw.Raw))
	if err != nil {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	profile := conversation.EndpointProfile{
		HardTokenLimit: int(gjson.GetBytes(body, "endpoint_profile.hard_token_limit").Int()),
		ContentClass:   conversation.ContentClass(gjson.GetBytes(body, "endpoint_profile.content_class").String()),
	}
	descriptions := parseImageDescriptions(gjson.GetBytes(body, "image_descriptions"))

	processed, meta, err := g.manager.Manage(r.Context(), conv, profile, descriptions)
	g.recordTelemetry(requestID, profile, meta, start, err)

	if err != nil {
		if errors.Is(err, budget.ErrOverflowUnresolvable) {
			g.writeError(w, "context too large: conversation cannot fit the endpoint's token limit", http.StatusRequestEntityTooLarge)
			return
		}
		log.Error().Err(err).Str("request_id", requestID).Msg("manage failed")
		g.writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	wire, err := processed.MarshalWire()
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("serialize processed conversation")
		g.writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	metaJSON, _ := json.Marshal(meta)

	resp := body
	resp, _ = sjson.SetRawBytes(resp, "messages", wire)
	resp, _ = sjson.SetRawBytes(resp, "budget_metadata", metaJSON)
	resp, _ = sjson.DeleteBytes(resp, "image_descriptions")

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)
	_, _ = w.Write(resp)
}

// parseImageDescriptions decodes the message-index -> description map.
// Keys that are not integers are skipped.
func parseImageDescriptions(obj gjson.Result) map[int]string {
	if !obj.IsObject() {
		return nil
	}
	out := make(map[int]string)
	obj.ForEach(func(key, value gjson.Result) bool {
		idx := int(key.Int())
		if key.String() != "0" && idx == 0 {
			return true
		}
		out[idx] = value.String()
		return true
	})
	return out
}

// recordTelemetry writes one JSONL budget event.
func (g *Gateway) recordTelemetry(requestID string, profile conversation.EndpointProfile, meta budget.Metadata, start time.Time, err error) {
	if g.tracker == nil {
		return
	}
	event := &monitoring.BudgetEvent{
		Timestamp:          start,
		RequestID:          requestID,
		ContentClass:       string(profile.ContentClass),
		HardLimit:          profile.HardTokenLimit,
		RiskLevel:          meta.RiskLevel,
		UtilizationPercent: meta.UtilizationPercent,
		StrategyUsed:       meta.StrategyUsed,
		OriginalTokens:     meta.OriginalTokens,
		FinalTokens:        meta.FinalTokens,
		TokensSaved:        meta.TokensSaved,
		ChunksTotal:        meta.ChunksTotal,
		ChunksCondensed:    meta.ChunksCondensed,
		Truncated:          meta.Truncated,
		MessagesRemoved:    meta.MessagesRemoved,
		EstimatedCounts:    meta.EstimatedTokenCounts,
		DurationMs:         time.Since(start).Milliseconds(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	g.tracker.RecordBudget(event)
}
