package toolrunner

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// SignatureHeader carries the HMAC of a webhook body.
const SignatureHeader = "X-Hive-Signature"

// Sign returns "sha256=<hex hmac>" for body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature compares signature against the expected HMAC in constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(signature), []byte(Sign(body, secret))) == 1
}

// WebhookForwarder posts pending approvals to an external URL. The body is
// signed when a secret is set.
type WebhookForwarder struct {
	URL         string
	Secret      string
	CallbackURL string
	Client      *http.Client
}

type webhookPayload struct {
	Type        string          `json:"type"`
	Approval    PendingApproval `json:"approval"`
	CallbackURL string          `json:"callbackUrl,omitempty"`
	Actions     []string        `json:"actions"`
}

func (f WebhookForwarder) ForwardApproval(ctx context.Context, p PendingApproval) error {
	body, err := json.Marshal(webhookPayload{
		Type:        "approval_required",
		Approval:    p,
		CallbackURL: f.CallbackURL,
		Actions:     []string{string(ApprovalActionAllowOnce), string(ApprovalActionAllowAlways), string(ApprovalActionDeny)},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal approval payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, f.Secret))
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send approval webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("approval webhook returned %d", resp.StatusCode)
	}
	return nil
}

// CallbackRequest is the body accepted by CallbackHandler.
type CallbackRequest struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Actor  string `json:"actor"`
}

// CallbackHandler resolves approvals from signed webhook callbacks. GET
// lists pending approvals.
type CallbackHandler struct {
	Manager *ApprovalManager
	Secret  string
	Logger  zerolog.Logger
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.Manager.Pending())
		return
	case http.MethodPost:
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	if !VerifySignature(body, r.Header.Get(SignatureHeader), h.Secret) {
		h.Logger.Warn().Str("ip", r.RemoteAddr).Msg("Rejected approval callback with invalid signature")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	var req CallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	action, err := ParseApprovalAction(req.Action)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "webhook"
	}
	if err := h.Manager.Resolve(req.ID, action, actor); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
