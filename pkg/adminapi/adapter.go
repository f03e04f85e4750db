package adminapi

import (
	"context"

	"github.com/claude-fleet/proxy/pkg/accounts"
	"github.com/claude-fleet/proxy/pkg/audit"
	"github.com/claude-fleet/proxy/pkg/healthlog"
	"github.com/claude-fleet/proxy/pkg/models"
	"github.com/claude-fleet/proxy/pkg/proxypool"
)

// *accounts.Registry and *proxypool.Pool already satisfy AccountsAdmin and
// ProxiesAdmin respectively, structurally.
var (
	_ AccountsAdmin   = (*accounts.Registry)(nil)
	_ ProxiesAdmin    = (*proxypool.Pool)(nil)
	_ StatisticsAdmin = (*Statistics)(nil)
)

// Statistics adapts a Logger and health Log to the StatisticsAdmin
// contract; neither tracks the other's concern, so no single wired
// subsystem satisfies the interface on its own.
type Statistics struct {
	Audit     *audit.Logger
	HealthLog *healthlog.Log
}

func (s *Statistics) Usage(ctx context.Context) ([]models.AuditStat, error) {
	if s.Audit == nil {
		return nil, nil
	}
	return s.Audit.Stats(ctx)
}

func (s *Statistics) Health(_ context.Context) ([]models.HealthEventStats, error) {
	if s.HealthLog == nil {
		return nil, nil
	}
	return s.HealthLog.Stats()
}
