// Package ups polls UPS status sources and emits state transition
// events when the reported status changes.
package ups

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/surgeguard/internal/events"
	"github.com/rcourtman/surgeguard/internal/models"
)

// Source reports the current status token set for one UPS, e.g.
// "OB LB" for on-battery plus low-battery.
type Source interface {
	Status(ctx context.Context) (string, error)
}

// Sink receives normalized events.
type Sink func(models.Event)

// Poller watches one UPS and emits a ups.state event on every status
// change. The first successful poll seeds the baseline without
// emitting.
type Poller struct {
	upsID      string
	source     Source
	interval   time.Duration
	normalizer *events.Normalizer
	sink       Sink

	last   string
	seeded bool
}

// NewPoller creates a poller. A non-positive interval defaults to 5s.
func NewPoller(upsID string, source Source, interval time.Duration, n *events.Normalizer, sink Sink) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		upsID:      upsID,
		source:     source,
		interval:   interval,
		normalizer: n,
		sink:       sink,
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	status, err := p.source.Status(pollCtx)
	if err != nil {
		log.Warn().Err(err).Str("ups", p.upsID).Msg("UPS poll failed")
		return
	}

	// The primary token decides the state; flags after it (LB, CHRG)
	// get their own transitions when they appear or clear.
	status = strings.ToUpper(strings.TrimSpace(status))
	if status == "" {
		return
	}

	if !p.seeded {
		p.last = status
		p.seeded = true
		log.Info().Str("ups", p.upsID).Str("status", status).Msg("UPS baseline established")
		return
	}
	if status == p.last {
		return
	}

	for _, token := range diffTokens(p.last, status) {
		ev := p.normalizer.UPSTransition(p.upsID, primaryToken(p.last), token)
		log.Info().
			Str("ups", p.upsID).
			Str("from", p.last).
			Str("to", token).
			Msg("UPS status transition")
		p.sink(ev)
	}
	p.last = status
}

// diffTokens returns the tokens present in the new status that were not
// in the old one. A fully changed status yields each new token once.
func diffTokens(old, now string) []string {
	seen := make(map[string]bool)
	for _, t := range strings.Fields(old) {
		seen[t] = true
	}
	var added []string
	for _, t := range strings.Fields(now) {
		if !seen[t] {
			added = append(added, t)
		}
	}
	if len(added) == 0 {
		// Tokens only disappeared; re-emit the primary so policies
		// keyed on e.g. OL fire when the UPS comes back online.
		added = append(added, primaryToken(now))
	}
	return added
}

func primaryToken(status string) string {
	fields := strings.Fields(status)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
