package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

type pushConfigResponse struct {
	Enabled           bool   `json:"enabled"`
	VAPIDPublicKey    string `json:"vapidPublicKey,omitempty"`
	Subject           string `json:"subject,omitempty"`
	SubscriptionCount int    `json:"subscriptionCount,omitempty"`
}

type pushResultResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type pushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	push := s.cfg.Push
	if push == nil {
		writeJSON(w, http.StatusOK, pushConfigResponse{})
		return
	}
	resp := pushConfigResponse{
		Enabled:        true,
		VAPIDPublicKey: push.PublicKey(),
		Subject:        push.Subject(),
	}
	if count, err := push.SubscriptionCount(); err == nil {
		resp.SubscriptionCount = count
	}
	writeJSON(w, http.StatusOK, resp)
}

// pushOrUnavailable answers 503 when push is off.
func (s *Server) pushOrUnavailable(w http.ResponseWriter) *PushService {
	if s.cfg.Push == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "PUSH_NOT_CONFIGURED", "push notifications are not configured")
	}
	return s.cfg.Push
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	push := s.pushOrUnavailable(w)
	if push == nil {
		return
	}

	var sub pushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, invalidRequest("invalid subscription payload"))
		return
	}
	if err := sub.validate(); err != nil {
		writeError(w, invalidRequest(err.Error()))
		return
	}
	if err := push.upsert(sub); err != nil {
		pushLog.Error("push_subscribe_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save push subscription")
		return
	}
	pushLog.Info("push_subscribed", slog.String("endpoint", endpointForLog(sub.Endpoint)))
	writeJSON(w, http.StatusOK, pushResultResponse{OK: true, Message: "subscription saved"})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	push := s.pushOrUnavailable(w)
	if push == nil {
		return
	}

	var req pushUnsubscribeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	endpoint := strings.TrimSpace(req.Endpoint)
	if endpoint == "" {
		writeError(w, invalidRequest("endpoint is required"))
		return
	}
	if err := push.remove(endpoint); err != nil {
		pushLog.Error("push_unsubscribe_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to remove push subscription")
		return
	}
	pushLog.Info("push_unsubscribed", slog.String("endpoint", endpointForLog(endpoint)))
	writeJSON(w, http.StatusOK, pushResultResponse{OK: true, Message: "subscription removed"})
}
