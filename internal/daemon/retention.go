package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/attendhq/attend/internal/store"
)

// runRetention archives audit rows beyond the configured cap on the cron
// schedule from config ("" disables). The archive keeps the chain head rows
// so Verify still passes over what remains.
func (d *Daemon) runRetention(ctx context.Context, st *store.Store) {
	expr := d.cfg.Retention.Schedule
	if expr == "" || d.cfg.Audit.MaxRows <= 0 {
		return
	}
	if !gronx.New().IsValid(expr) {
		slog.Warn("invalid retention schedule, archive disabled", "schedule", expr)
		return
	}

	for {
		next, err := gronx.NextTick(expr, false)
		if err != nil {
			slog.Warn("retention schedule evaluation failed", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		moved, err := st.ArchiveAudit(int64(d.cfg.Audit.MaxRows))
		if err != nil {
			slog.Error("audit archive failed", "error", err)
			continue
		}
		if moved > 0 {
			slog.Info("audit rows archived", "moved", moved, "max_rows", d.cfg.Audit.MaxRows)
		}
	}
}
