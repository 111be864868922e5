package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fixly/dispatch/internal/metrics"
	"github.com/fixly/dispatch/internal/model"
)

// ─── VoiceGateway ───────────────────────────────────────────

const (
	// voiceQueueKey is the Redis list the external calling worker consumes.
	voiceQueueKey = "voice:calls"

	// voiceCancelTTL bounds how long a cancellation marker outlives the
	// booking; the worker checks it right before dialing.
	voiceCancelTTL = time.Hour
)

// VoiceGateway queues outbound "you have an offer" calls for providers,
// honoring each provider's voice preferences. The actual dialing happens in
// an external worker that pops voice:calls; this gateway only decides
// whether a call should be placed and enqueues the request.
//
// Every drop is deliberate and counted, never an error: a gated call means
// the provider still has the push notification.
type VoiceGateway struct {
	rdb *redis.Client
	now func() time.Time
}

// NewVoiceGateway wires the gateway onto the shared Redis client.
func NewVoiceGateway(rdb *redis.Client) *VoiceGateway {
	return &VoiceGateway{rdb: rdb, now: time.Now}
}

// SubmitOffer enqueues one call request unless the provider's preferences
// gate it. Gates, in order: voice disabled, quiet hours (urgent traffic
// bypasses them), urgency below the provider's threshold, hourly budget.
func (g *VoiceGateway) SubmitOffer(ctx context.Context, call model.CallRequest, prefs model.VoicePreferences) error {
	if reason := voiceGate(call, prefs, g.now()); reason != "" {
		metrics.VoiceCallsDropped.WithLabelValues(reason).Inc()
		log.Printf("[voice] %s dropped: %s", call, reason)
		return nil
	}

	if err := g.consumeBudget(ctx, call.ProviderID, prefs.MaxCallsPerHour); err != nil {
		metrics.VoiceCallsDropped.WithLabelValues("hourly-budget").Inc()
		log.Printf("[voice] %s dropped: %v", call, err)
		return nil
	}

	payload, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("voice: marshal call: %w", err)
	}
	if err := g.rdb.LPush(ctx, voiceQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("voice: enqueue call: %w", err)
	}
	log.Printf("[voice] queued %s", call)
	return nil
}

// CancelForBooking marks the booking so queued-but-not-yet-dialed calls for
// it are skipped by the worker.
func (g *VoiceGateway) CancelForBooking(ctx context.Context, bookingID string) error {
	key := "voice:cancelled:" + bookingID
	if err := g.rdb.Set(ctx, key, "1", voiceCancelTTL).Err(); err != nil {
		return fmt.Errorf("voice: mark cancelled %s: %w", bookingID, err)
	}
	return nil
}

// voiceGate returns the drop reason, or "" when the call may proceed.
// Budget is not checked here; it needs Redis and lives in consumeBudget.
func voiceGate(call model.CallRequest, prefs model.VoicePreferences, now time.Time) string {
	if !prefs.Enabled {
		return "disabled"
	}
	// Urgent jobs ring through quiet hours. A call dropped for both reasons
	// reports quiet-hours; the threshold gate only answers for awake hours.
	if call.Urgency != model.UrgencyUrgent && prefs.InQuietHours(now) {
		return "quiet-hours"
	}
	if prefs.MinUrgency != "" && !call.Urgency.AtLeast(prefs.MinUrgency) {
		return "urgency-below-threshold"
	}
	return ""
}

// consumeBudget increments the provider's hourly call counter and errors
// once the cap is exceeded. The key expires with the hour bucket, so an
// expiry failure costs at most one stale hour of budget.
func (g *VoiceGateway) consumeBudget(ctx context.Context, providerID string, maxPerHour int) error {
	if maxPerHour <= 0 {
		return nil // no cap declared
	}
	key := fmt.Sprintf("voice:budget:%s:%s", providerID, g.now().Format("2006010215"))
	n, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("budget incr: %w", err)
	}
	if n == 1 {
		if err := g.rdb.Expire(ctx, key, time.Hour).Err(); err != nil {
			log.Printf("[voice] budget expire %s: %v", key, err)
		}
	}
	if n > int64(maxPerHour) {
		return fmt.Errorf("hourly budget exhausted (%d/%d)", n, maxPerHour)
	}
	return nil
}
