// Package hunt implements the Hunt Dispatcher (spec.md §4.7, C8): a Flow
// factory that fans a template flow out to every Client matching a
// RuleSet, subject to per-minute throttling and fleet-wide ceilings.
// Grounded on the teacher's automation Scheduler (services/automation/marble
// service.go), generalized from a single ticker-driven trigger scan to a
// foreman that walks every STARTED Hunt each tick.
package hunt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/okapi-sec/okapi/internal/app/clock"
	"github.com/okapi-sec/okapi/internal/app/domain/client"
	huntdomain "github.com/okapi-sec/okapi/internal/app/domain/hunt"
	"github.com/okapi-sec/okapi/internal/app/flowengine"
	"github.com/okapi-sec/okapi/internal/app/metrics"
	"github.com/okapi-sec/okapi/internal/app/storage"
	"github.com/okapi-sec/okapi/pkg/logger"
)

// DefaultScanSchedule ticks the foreman once a minute, matching the
// per-minute granularity of Hunt.Limits.ClientRate (spec.md §4.7).
const DefaultScanSchedule = "@every 1m"

// Foreman walks every STARTED Hunt on a cron schedule, dispatching child
// Flows to newly matching clients and enforcing ceilings.
type Foreman struct {
	store storage.Store
	clock clock.Clock
	log   *logger.Logger

	cron     *cron.Cron
	schedule string
}

// Config configures a Foreman.
type Config struct {
	Store    storage.Store
	Clock    clock.Clock
	Logger   *logger.Logger
	Schedule string // cron spec, defaults to DefaultScanSchedule
}

// New builds a Foreman.
func New(cfg Config) *Foreman {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("hunt")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultScanSchedule
	}
	return &Foreman{store: cfg.Store, clock: cfg.Clock, log: cfg.Logger, schedule: cfg.Schedule}
}

// Start begins the cron-scheduled foreman scan. It implements
// internal/app/system.Service.
func (f *Foreman) Start(ctx context.Context) error {
	f.cron = cron.New()
	_, err := f.cron.AddFunc(f.schedule, func() {
		if err := f.ScanOnce(ctx); err != nil {
			f.log.WithError(err).Error("hunt foreman scan failed")
		}
	})
	if err != nil {
		return fmt.Errorf("hunt: schedule foreman scan: %w", err)
	}
	f.cron.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight scan to finish.
func (f *Foreman) Stop() {
	if f.cron == nil {
		return
	}
	stopCtx := f.cron.Stop()
	<-stopCtx.Done()
}

// Name implements internal/app/system.Service.
func (f *Foreman) Name() string { return "hunt-foreman" }

// ScanOnce walks every STARTED Hunt once, dispatching to newly matching
// clients and transitioning any Hunt whose ceilings have been breached to
// STOPPED (spec.md §4.7 "Foreman scan").
func (f *Foreman) ScanOnce(ctx context.Context) error {
	hunts, err := f.store.ListStartedHunts(ctx)
	if err != nil {
		return fmt.Errorf("hunt: list started hunts: %w", err)
	}
	for _, h := range hunts {
		if err := f.scanHunt(ctx, h); err != nil {
			f.log.WithError(err).Error("hunt scan failed")
		}
	}
	return nil
}

func (f *Foreman) scanHunt(ctx context.Context, h huntdomain.Hunt) error {
	if reason, breached := h.CeilingBreached(); breached {
		h.State = huntdomain.Stopped
		f.log.WithError(fmt.Errorf(reason)).Error("hunt stopped: ceiling breached")
		metrics.RecordHuntCeilingBreached(string(h.ID), reason)
		return f.store.UpdateHuntObject(ctx, h)
	}

	class, ok := flowengine.Lookup(h.FlowClass)
	if !ok {
		return flowengine.ErrUnknownFlowClass{Name: h.FlowClass}
	}

	ids, err := f.store.ListAllClientIDs(ctx)
	if err != nil {
		return fmt.Errorf("hunt: list clients: %w", err)
	}

	budget := f.remainingRateBudget(&h)
	dispatched := 0
	for _, id := range ids {
		if h.Limits.ClientRate > 0 && dispatched >= budget {
			break
		}
		if h.Limits.ClientLimit > 0 && h.Counters.NumClients >= h.Limits.ClientLimit {
			break
		}
		key := id.String()
		if h.DispatchedClients == nil {
			h.DispatchedClients = map[string]bool{}
		}
		if h.DispatchedClients[key] {
			continue
		}

		c, err := f.store.ReadClientFullInfo(ctx, id)
		if err != nil {
			continue
		}
		if !Matches(h.ClientRules, c) {
			continue
		}

		if err := f.dispatchTo(ctx, &h, class, c.ID); err != nil {
			f.log.WithClient(key).WithError(err).Error("hunt dispatch failed")
			continue
		}
		h.DispatchedClients[key] = true
		h.Counters.NumClients++
		h.DispatchedInWindow++
		dispatched++
		metrics.RecordHuntDispatch(string(h.ID))
	}

	return f.store.UpdateHuntObject(ctx, h)
}

// dispatchTo launches one child Flow of class against clientID, parented to
// the Hunt rather than to another Flow (spec.md §4.7 "each dispatch creates
// a root Flow tagged with its originating hunt id").
func (f *Foreman) dispatchTo(ctx context.Context, h *huntdomain.Hunt, class flowengine.FlowClass, clientID client.ID) error {
	huntID := string(h.ID)
	args := class.NewArgs()
	if len(h.FlowArgs) > 0 {
		if err := decodeHuntArgs(h.FlowArgs, args); err != nil {
			return err
		}
	}
	_, err := flowengine.Launch(ctx, f.store, f.clock, class, args, clientID, h.Creator, flowengine.LaunchOpts{
		ParentHuntID: &huntID,
	})
	return err
}

// remainingRateBudget returns how many more dispatches this tick may make
// under Limits.ClientRate, rolling the per-minute window forward if it has
// elapsed (spec.md §4.7 "client_rate: dispatches per minute").
func (f *Foreman) remainingRateBudget(h *huntdomain.Hunt) int {
	if h.Limits.ClientRate <= 0 {
		return 0 // unthrottled
	}
	now := f.clock.Now()
	if now.Sub(h.WindowStart) >= time.Minute {
		h.WindowStart = now
		h.DispatchedInWindow = 0
	}
	remaining := h.Limits.ClientRate - h.DispatchedInWindow
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// decodeHuntArgs materializes a flow class's typed argument struct from the
// Hunt's stored FlowArgs JSON.
func decodeHuntArgs(raw []byte, into any) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("hunt: decode flow args: %w", err)
	}
	return nil
}
