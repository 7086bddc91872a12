// Package webhook verifies provider deliveries and maps them to
// pipeline triggers. The raw body is retained for signature checks
// and audit before any JSON parsing.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/zephyrr-ci/zephyr/internal/domain"
	"github.com/zephyrr-ci/zephyr/internal/store"
)

// ErrBadSignature marks a delivery whose signature fails verification.
var ErrBadSignature = errors.New("invalid webhook signature")

// Trigger is the normalized outcome of a verified delivery.
type Trigger struct {
	ProjectID string
	EventType string
	Branch    string
	CommitSHA string
}

// Service verifies, records and translates webhook deliveries.
type Service struct {
	store  store.WebhookStore
	logger *slog.Logger
	secret string
}

// New constructs a webhook service with the shared secret.
func New(st store.WebhookStore, logger *slog.Logger, secret string) Service {
	return Service{store: st, logger: logger, secret: secret}
}

// VerifySignature checks the provider-specific signature over the raw
// payload. Verification is skipped when no secret is configured.
func (s Service) VerifySignature(provider string, payload []byte, header string) error {
	if s.secret == "" {
		return nil
	}
	switch provider {
	case "github":
		// X-Hub-Signature-256: sha256=<hex hmac>
		provided, ok := strings.CutPrefix(header, "sha256=")
		if !ok {
			return ErrBadSignature
		}
		return s.checkHMAC(payload, provided)
	case "gitlab":
		// X-Gitlab-Token carries the shared secret verbatim.
		if hmac.Equal([]byte(header), []byte(s.secret)) {
			return nil
		}
		return ErrBadSignature
	default:
		return s.checkHMAC(payload, header)
	}
}

func (s Service) checkHMAC(payload []byte, provided string) error {
	hasher := hmac.New(sha256.New, []byte(s.secret))
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// Record persists the delivery for audit and returns its id.
func (s Service) Record(ctx context.Context, provider, eventType string, payload []byte, signature string) (string, error) {
	delivery := &domain.WebhookDelivery{
		ID:         uuid.NewString(),
		Provider:   provider,
		EventType:  eventType,
		Payload:    payload,
		Signature:  signature,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.store.SaveWebhookDelivery(ctx, delivery); err != nil {
		return "", err
	}
	return delivery.ID, nil
}

// ParseTrigger extracts the trigger facts from a verified payload.
func (s Service) ParseTrigger(provider, eventType string, payload []byte) (Trigger, error) {
	var body struct {
		ProjectID   string `json:"project_id"`
		Ref         string `json:"ref"`
		After       string `json:"after"`
		CheckoutSHA string `json:"checkout_sha"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Trigger{}, fmt.Errorf("parse webhook payload: %w", err)
	}

	sha := body.After
	if sha == "" {
		sha = body.CheckoutSHA
	}
	trigger := Trigger{
		ProjectID: body.ProjectID,
		EventType: normalizeEvent(provider, eventType),
		Branch:    branchOfRef(body.Ref),
		CommitSHA: sha,
	}
	if trigger.ProjectID == "" {
		return Trigger{}, errors.New("webhook payload names no project")
	}
	return trigger, nil
}

func normalizeEvent(provider, eventType string) string {
	switch {
	case eventType == "push", eventType == "Push Hook":
		return "push"
	case strings.Contains(strings.ToLower(eventType), "tag"):
		return "tag"
	case strings.Contains(strings.ToLower(eventType), "pull") || strings.Contains(strings.ToLower(eventType), "merge"):
		return "pull_request"
	case eventType == "":
		return provider
	default:
		return eventType
	}
}

func branchOfRef(ref string) string {
	if branch, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
		return branch
	}
	return ref
}
