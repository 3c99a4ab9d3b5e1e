package app

import (
	"context"

	"dynamix/internal/eventbus"
	logx "dynamix/pkg/logx"
)

// logEvents renders rotation events as structured log lines. The driver
// itself only publishes; this subscriber is the monitoring surface.
func (a *App) logEvents(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.logEvent(ev)
		}
	}
}

func (a *App) logEvent(ev eventbus.Event) {
	switch data := ev.Data.(type) {
	case eventbus.IntentEvent:
		fields := []logx.Field{
			logx.String("library", data.Library),
			logx.String("collection", data.Title),
			logx.String("id", data.Collection),
		}
		switch ev.Type {
		case eventbus.TypePinApplied:
			a.log.Info("collection pinned", fields...)
		case eventbus.TypeUnpinApplied:
			a.log.Info("collection unpinned", fields...)
		case eventbus.TypePinFailed, eventbus.TypeUnpinFailed:
			fields = append(fields, logx.String("err", data.Error))
			a.log.Warn("intent failed", fields...)
		}
	case eventbus.ResetEvent:
		a.log.Warn("exclusion ledger reset",
			logx.String("library", data.Library),
			logx.Int("dropped", data.Dropped))
	case eventbus.TickEvent:
		fields := []logx.Field{
			logx.String("library", data.Library),
			logx.Int("limit", data.Limit),
			logx.Int("chosen", data.Chosen),
			logx.Int("pinned", data.Pinned),
			logx.Int("unpinned", data.Unpinned),
			logx.Int("failures", data.Failures),
			logx.Duration("took", data.Took),
		}
		if data.Error != "" {
			fields = append(fields, logx.String("err", data.Error))
			a.log.Warn("tick finished with error", fields...)
			return
		}
		if data.Limit == 0 {
			a.log.Debug("tick finished (no active block)", fields...)
			return
		}
		a.log.Info("tick finished", fields...)
	}
}
