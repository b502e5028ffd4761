package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corredorhq/decision-engine/internal/client"
	"github.com/corredorhq/decision-engine/internal/condition"
	"github.com/corredorhq/decision-engine/internal/feature"
	"github.com/corredorhq/decision-engine/internal/pkg/logger"
)

// Matcher bulk-matches clients against triggers and enqueues eligible
// notifications.
type Matcher struct {
	store    *Store
	clients  *client.Store
	renderer *Renderer
}

// NewMatcher creates a new notification matcher.
func NewMatcher(store *Store, clients *client.Store) *Matcher {
	return &Matcher{store: store, clients: clients, renderer: NewRenderer()}
}

const (
	defaultDetectMax = 100
	maxDetectMax     = 500
)

// Detect scans all clients against the named trigger (or every active
// trigger when params.TriggerKey is empty), applies the in-flight and
// cooldown gates, renders bodies, and either previews (DryRun) or enqueues
// one job per eligible match. Enqueue plus throttle stamping commits as one
// batch per pass; a dry run performs no writes at all.
func (m *Matcher) Detect(ctx context.Context, tenantID uuid.UUID, params DetectParams) (*DetectResult, error) {
	max := params.Max
	if max <= 0 {
		max = defaultDetectMax
	}
	if max > maxDetectMax {
		max = maxDetectMax
	}

	var triggers []*Trigger
	if params.TriggerKey != "" {
		t, err := m.store.GetTrigger(ctx, tenantID, params.TriggerKey)
		if err != nil {
			return nil, fmt.Errorf("get trigger: %w", err)
		}
		if t == nil {
			return nil, fmt.Errorf("trigger not found")
		}
		triggers = []*Trigger{t}
	} else {
		var err error
		triggers, err = m.store.ListTriggers(ctx, tenantID, true)
		if err != nil {
			return nil, fmt.Errorf("list triggers: %w", err)
		}
	}

	asOf := params.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	now := time.Now()

	clients, err := m.clients.ListAll(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}

	result := &DetectResult{}
	var toEnqueue []*Job

	for _, trig := range triggers {
		tmpl, err := m.store.GetTemplate(ctx, tenantID, trig.TemplateKey)
		if err != nil {
			return nil, fmt.Errorf("get template: %w", err)
		}
		if tmpl == nil {
			// Triggers are not validated against templates ahead of time;
			// surface the mismatch instead of failing the whole pass.
			result.Errors = append(result.Errors,
				fmt.Sprintf("trigger %s: template %q not found", trig.Key, trig.TemplateKey))
			continue
		}

		for _, c := range clients {
			features := feature.Extract(c.Data, asOf)
			if !condition.Evaluate(trig.Filter, features).Matched {
				continue
			}
			result.Matched++

			entry := PreviewEntry{TriggerKey: trig.Key, ClientID: c.ID}

			to := contactAddress(trig.Channel, features)
			if to == "" {
				entry.Reason = ReasonNoContact
				result.Preview = append(result.Preview, entry)
				continue
			}
			entry.To = to

			inFlight, err := m.store.HasInFlightJob(ctx, trig.ID, c.ID)
			if err != nil {
				return nil, fmt.Errorf("check in-flight job: %w", err)
			}
			if inFlight {
				entry.Reason = ReasonInFlight
				result.Preview = append(result.Preview, entry)
				continue
			}

			throttle, err := m.store.GetThrottle(ctx, trig.ID, c.ID)
			if err != nil {
				return nil, fmt.Errorf("get throttle: %w", err)
			}
			if throttle != nil && throttle.LastSentAt != nil &&
				now.Sub(*throttle.LastSentAt) < time.Duration(trig.CooldownSec)*time.Second {
				entry.Reason = ReasonCooldown
				result.Preview = append(result.Preview, entry)
				continue
			}

			if len(toEnqueue) >= max {
				entry.Reason = ReasonMaxBatch
				result.Preview = append(result.Preview, entry)
				continue
			}

			body, err := m.renderer.Render(tmpl.Body, c.Data, features)
			if err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("trigger %s: %v", trig.Key, err))
				break // template is broken for every client of this trigger
			}

			entry.Eligible = true
			entry.Body = body
			result.Preview = append(result.Preview, entry)

			toEnqueue = append(toEnqueue, &Job{
				TenantID:        tenantID,
				TriggerID:       trig.ID,
				ClientID:        c.ID,
				Channel:         trig.Channel,
				To:              to,
				Payload:         body,
				MaxRetries:      trig.MaxRetries,
				RetryBackoffSec: trig.RetryBackoffSec,
			})
		}
	}

	if params.DryRun {
		return result, nil
	}

	if err := m.store.EnqueueBatch(ctx, toEnqueue); err != nil {
		return nil, fmt.Errorf("enqueue batch: %w", err)
	}
	result.Enqueued = len(toEnqueue)
	if result.Enqueued > 0 {
		logger.Info("notifications enqueued",
			"tenant_id", tenantID.String(),
			"matched", result.Matched,
			"enqueued", result.Enqueued)
	}

	return result, nil
}

// contactAddress picks the channel's destination from the feature map.
func contactAddress(ch Channel, features feature.Map) string {
	var v interface{}
	switch ch {
	case ChannelWhatsApp:
		v = features[feature.FieldTelefono]
	case ChannelEmail:
		v = features[feature.FieldEmail]
	}
	s, _ := v.(string)
	return s
}
