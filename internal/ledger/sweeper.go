package ledger

import (
	"context"
	"time"

	"execcore/internal/logger"
	"execcore/internal/types"
)

// SweepExpired expires every live intent older than the intent TTL and drops
// terminal intents past the retention window, keeping only their signal id
// until the signal id retention passes. It returns how many intents were
// expired.
func (l *Ledger) SweepExpired(ctx context.Context) int {
	now := l.nowFn()
	ttlCutoff := now.Add(-l.opts.IntentTTL)
	retentionCutoff := now.Add(-l.opts.TerminalRetention)
	idCutoff := now.Add(-l.opts.SignalIDRetention)

	var stale []string
	l.mu.Lock()
	for id, in := range l.intents {
		switch {
		case !in.Status.Terminal() && in.ReceivedAt.Before(ttlCutoff):
			stale = append(stale, id)
		case in.Status.Terminal() && in.UpdatedAt.Before(retentionCutoff):
			l.retired[id] = in.UpdatedAt
			delete(l.intents, id)
		}
	}
	for id, at := range l.retired {
		if at.Before(idCutoff) {
			delete(l.retired, id)
		}
	}
	l.mu.Unlock()

	expired := 0
	for _, id := range stale {
		in, err := l.ExpireIntent(ctx, id)
		if err != nil {
			logger.Warnf("ledger: expire %s failed: %v", id, err)
			continue
		}
		if in.Status == types.IntentExpired {
			expired++
			logger.Infof("ledger: intent %s for %s expired without confirm", id, in.Symbol)
		}
	}

	if l.store != nil {
		if n, err := l.store.PurgeIntents(persistCtx(ctx), idCutoff); err != nil {
			logger.Warnf("ledger: purge intents failed: %v", err)
		} else if n > 0 {
			logger.Debugf("ledger: purged %d terminal intents", n)
		}
	}
	return expired
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.SweepExpired(ctx)
		}
	}
}
