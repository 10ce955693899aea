package control

import (
	"context"
	"time"

	"github.com/cuemby/mcm/pkg/metrics"
)

// sessionRefresher wakes every sessionRefreshPeriod and renews the
// session. On renew failure it keeps retrying for up to
// sessionRenewRetryBudget; if still failing, it drops the session id and
// notifies the control loop, which recreates the session and re-registers
// rather than blocking on the refresher itself.
func (l *Loop) sessionRefresher(ctx context.Context) error {
	ticker := time.NewTicker(sessionRefreshPeriod)
	defer ticker.Stop()

	var failingSince time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sid := l.SessionID()
			if sid == "" {
				continue
			}
			if err := l.coord.SessionRenew(ctx, sid); err != nil {
				if failingSince.IsZero() {
					failingSince = time.Now()
				}
				if time.Since(failingSince) >= sessionRenewRetryBudget {
					metrics.SessionLossesTotal.Inc()
					l.mu.Lock()
					l.sessionID = ""
					l.mu.Unlock()
					failingSince = time.Time{}
					l.NotifySessionLost()
				}
				continue
			}
			failingSince = time.Time{}
			metrics.SessionRenewalsTotal.Inc()
		}
	}
}
