package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/kv"
	"github.com/sentinelSCA/sentinel/internal/domain/incident"
)

// Probe states persisted per service.
const (
	probeStateOK   = "ok"
	probeStateFail = "fail"
)

// ProbeTarget is one service health endpoint.
type ProbeTarget struct {
	Service string
	URL     string
}

// ProbeConfig tunes health polling.
type ProbeConfig struct {
	Targets       []ProbeTarget
	PollInterval  time.Duration
	Timeout       time.Duration
	FailThreshold int
}

// Probe polls targets and emits incidents edge-triggered: one incident when
// a service crosses into failure, none while it stays there, none on
// recovery.
type Probe struct {
	cfg    ProbeConfig
	store  *kv.Store
	queue  *kv.Queue
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewProbe wires the health prober.
func NewProbe(cfg ProbeConfig, store *kv.Store, queue *kv.Queue, logger *slog.Logger) *Probe {
	return &Probe{
		cfg:    cfg,
		store:  store,
		queue:  queue,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    time.Now,
	}
}

// Run polls until the context ends.
func (p *Probe) Run(ctx context.Context) error {
	p.logger.Info("probe started", "targets", len(p.cfg.Targets))
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("probe cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce checks every target once.
func (p *Probe) RunOnce(ctx context.Context) error {
	for _, target := range p.cfg.Targets {
		if err := p.check(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

// check polls one target and updates its persisted state.
func (p *Probe) check(ctx context.Context, target ProbeTarget) error {
	kind, status, probeErr := p.fetch(ctx, target.URL)
	if probeErr == "" {
		return p.markHealthy(ctx, target)
	}
	return p.markFailing(ctx, target, kind, status, probeErr)
}

// fetch returns ("", 0, "") on success, or the failure kind, HTTP status
// (when any), and error text.
func (p *Probe) fetch(ctx context.Context, url string) (kind string, status int, errText string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return incident.KindException, 0, err.Error()
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return incident.KindAPIUnreachable, 0, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return incident.KindHTTPError, resp.StatusCode, fmt.Sprintf("status %d", resp.StatusCode)
	}
	return "", 0, ""
}

// markHealthy resets the fail count and logs recoveries. Recovery never
// emits an incident.
func (p *Probe) markHealthy(ctx context.Context, target ProbeTarget) error {
	prev, _, err := p.store.Get(ctx, keyProbeState(target.Service))
	if err != nil {
		return fmt.Errorf("probe state %s: %w", target.Service, err)
	}
	if err := p.store.Delete(ctx, keyProbeFailCount(target.Service)); err != nil {
		return fmt.Errorf("reset fail count %s: %w", target.Service, err)
	}
	if err := p.store.Set(ctx, keyProbeState(target.Service), probeStateOK, 0); err != nil {
		return fmt.Errorf("probe state %s: %w", target.Service, err)
	}
	if prev == probeStateFail {
		p.logger.Info("service recovered", "service", target.Service)
	}
	return nil
}

// markFailing increments the persisted fail count and fires an incident only
// on the crossing into failure.
func (p *Probe) markFailing(ctx context.Context, target ProbeTarget, kind string, status int, errText string) error {
	count, err := p.store.IncrWithExpiry(ctx, keyProbeFailCount(target.Service), 0)
	if err != nil {
		return fmt.Errorf("fail count %s: %w", target.Service, err)
	}
	p.logger.Warn("probe failure",
		"service", target.Service,
		"kind", kind,
		"consecutive", count,
		"threshold", p.cfg.FailThreshold)

	if count < int64(p.cfg.FailThreshold) {
		return nil
	}

	prev, _, err := p.store.Get(ctx, keyProbeState(target.Service))
	if err != nil {
		return fmt.Errorf("probe state %s: %w", target.Service, err)
	}
	if err := p.store.Set(ctx, keyProbeState(target.Service), probeStateFail, 0); err != nil {
		return fmt.Errorf("probe state %s: %w", target.Service, err)
	}
	if prev == probeStateFail {
		return nil
	}

	if len(errText) > 300 {
		errText = errText[:300]
	}
	ts := p.now().Unix()
	inc := incident.Incident{
		IncidentID: incident.NewID(ts, target.Service),
		TS:         ts,
		Service:    target.Service,
		Kind:       kind,
		Severity:   "high",
		Evidence: incident.Evidence{
			URL:    target.URL,
			Status: status,
			Error:  errText,
		},
	}
	if err := p.queue.PushDoc(ctx, QueueIncidents, inc); err != nil {
		return fmt.Errorf("push incident %s: %w", inc.IncidentID, err)
	}
	p.logger.Error("incident raised",
		"incident_id", inc.IncidentID,
		"service", target.Service,
		"kind", kind)
	return nil
}

// ParseTargets parses "service=url" pairs from config.
func ParseTargets(pairs []string) ([]ProbeTarget, error) {
	targets := make([]ProbeTarget, 0, len(pairs))
	for _, pair := range pairs {
		svc, url, ok := strings.Cut(pair, "=")
		if !ok || svc == "" || url == "" {
			return nil, fmt.Errorf("probe target %q: want service=url", pair)
		}
		targets = append(targets, ProbeTarget{Service: svc, URL: url})
	}
	return targets, nil
}
