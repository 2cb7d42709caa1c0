package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"steward/internal/backends"
	"steward/internal/config"
	"steward/internal/report"
	"steward/internal/router"
	"steward/internal/storage"
	logx "steward/pkg/logx"
)

// buildBackend constructs one configured backend and returns the endpoint
// recorded for it in the integrations table.
func buildBackend(bc config.BackendConfig, st storage.Store) (router.Backend, string, error) {
	id := strings.TrimSpace(bc.ID)
	if bc.Kind == config.BackendHandoff {
		b, err := backends.NewHandoff(id, bc.Dir, st)
		if err != nil {
			return nil, "", err
		}
		return b, "file://" + bc.Dir, nil
	}

	key, err := config.ResolveSecret(bc.APIKey)
	if err != nil {
		return nil, "", fmt.Errorf("backend %s: %w", id, err)
	}
	cc := backends.ChatConfig{ID: id, APIKey: key, BaseURL: bc.BaseURL, Model: bc.Model, System: bc.System}
	var b *backends.ChatBackend
	switch bc.Kind {
	case config.BackendPerplexity:
		b, err = backends.NewPerplexity(cc)
	case config.BackendAbacus:
		b, err = backends.NewAbacus(cc)
	case config.BackendOpenAI:
		b, err = backends.NewChat(cc)
	default:
		return nil, "", fmt.Errorf("backend %s: unknown kind %q", id, bc.Kind)
	}
	if err != nil {
		return nil, "", err
	}
	return b, b.BaseURL(), nil
}

// registerBackends adds every enabled backend to r and records it as an
// integration. Circuit state saved by a previous run is restored.
func registerBackends(ctx context.Context, r *router.Router, st storage.Store, cfg *config.Config, now time.Time, log logx.Logger) error {
	for _, bc := range cfg.Router.Backends {
		if bc.Disabled {
			log.Info("backend disabled", logx.String("backend", bc.ID))
			continue
		}
		b, endpoint, err := buildBackend(bc, st)
		if err != nil {
			return err
		}
		if err := r.Register(b, router.BackendOptions{BaseScore: bc.BaseScore, RatePerSec: bc.RatePerSec, Burst: bc.Burst}); err != nil {
			return err
		}
		if err := st.UpsertIntegration(ctx, storage.Integration{
			BackendID: b.ID(),
			Kind:      bc.Kind,
			Endpoint:  endpoint,
			Active:    true,
			UpdatedAt: now,
		}); err != nil {
			return fmt.Errorf("record integration %s: %w", b.ID(), err)
		}
		log.Info("backend registered", logx.String("backend", b.ID()), logx.String("kind", bc.Kind))
	}

	hs, err := st.ListHealth(ctx)
	if err != nil {
		return fmt.Errorf("load backend health: %w", err)
	}
	r.Restore(hs)
	return nil
}

// buildSink assembles the configured report sinks.
func buildSink(cfg *config.Config, log logx.Logger) (report.Sink, error) {
	var sinks report.Multi
	if cfg.Report.LogEnabled() {
		sinks = append(sinks, report.LogSink{Log: log})
	}
	if p := strings.TrimSpace(cfg.Report.File); p != "" {
		fs, err := report.NewFileSink(p)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if tc := cfg.Report.Telegram; tc != nil && tc.Enabled {
		token, err := config.ResolveSecret(tc.Token)
		if err != nil {
			return nil, fmt.Errorf("report.telegram.token: %w", err)
		}
		timeout, err := config.ParseDurationOrDefault("report.telegram.timeout", tc.Timeout, 15*time.Second)
		if err != nil {
			return nil, err
		}
		ts, err := report.NewTelegramSink(report.TelegramConfig{
			Token:    token,
			ChatID:   tc.ChatID,
			ThreadID: tc.ThreadID,
			APIURL:   tc.APIURL,
			Timeout:  timeout,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ts)
	}
	return sinks, nil
}

// swapSink lets a config reload replace the sinks under running jobs.
type swapSink struct {
	mu   sync.RWMutex
	sink report.Sink
}

func (s *swapSink) Set(sink report.Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *swapSink) Publish(ctx context.Context, r report.Report) error {
	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink == nil {
		return nil
	}
	return sink.Publish(ctx, r)
}
