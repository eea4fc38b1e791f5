package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/basket/clawd/internal/config"
	"github.com/basket/clawd/internal/persistence"
)

// Maintenance prunes aged and overflow rows on a cron cadence.
type Maintenance struct {
	log    *slog.Logger
	store  *persistence.Store
	cfg    config.MaintenanceConfig
	memCfg config.MemoryConfig
	cron   *cron.Cron

	now func() time.Time
}

func NewMaintenance(log *slog.Logger, store *persistence.Store, cfg config.MaintenanceConfig, memCfg config.MemoryConfig) *Maintenance {
	return &Maintenance{log: log, store: store, cfg: cfg, memCfg: memCfg, now: time.Now}
}

// Start schedules the prune job. The cron expression comes from maintenance.cron,
// defaulting to hourly.
func (m *Maintenance) Start() error {
	spec := m.cfg.Cron
	if spec == "" {
		spec = "@every 1h"
	}
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(spec, func() { m.RunOnce(context.Background()) }); err != nil {
		return err
	}
	m.cron.Start()
	m.log.Info("maintenance scheduled", "cron", spec)
	return nil
}

func (m *Maintenance) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

// RunOnce applies the retention policy to all pruned tables.
func (m *Maintenance) RunOnce(ctx context.Context) {
	now := m.now().Unix()
	counts, err := m.store.Prune(ctx,
		ageCutoff(now, m.cfg.TasksRetentionDays), m.cfg.TasksMaxRows,
		ageCutoff(now, m.cfg.AuditRetentionDays), m.cfg.AuditMaxRows,
		ageCutoff(now, m.memCfg.RetentionDays), m.memCfg.MaxRows,
		ageCutoff(now, m.memCfg.LongTermRetentionDays), m.memCfg.LongTermMaxRows)
	if err != nil {
		m.log.Error("maintenance prune failed", "err", err)
		return
	}
	if counts.Tasks+counts.Audit+counts.Memories+counts.LongTerm > 0 {
		m.log.Info("maintenance pruned rows",
			"tasks", counts.Tasks, "audit", counts.Audit,
			"memories", counts.Memories, "long_term", counts.LongTerm)
	}
}

// ageCutoff turns a retention in days into a unix cutoff; non-positive
// retention disables age pruning for that table.
func ageCutoff(now int64, days int) int64 {
	if days <= 0 {
		return 0
	}
	return now - int64(days)*86400
}
