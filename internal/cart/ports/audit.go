package ports

import (
	"context"
	"log/slog"

	"cartkeep/pkg/platform/audit"
	"cartkeep/pkg/requestcontext"
)

// EmitAudit logs an audit event and forwards it to the publisher when one is
// configured. Publisher failures are logged and never returned.
func EmitAudit(ctx context.Context, logger *slog.Logger, publisher AuditPublisher, event audit.Event) {
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.Device == "" {
		event.Device = requestcontext.Device(ctx)
	}

	if logger != nil {
		logger.InfoContext(ctx, event.Action,
			"event", event.Action,
			"log_type", "audit",
			"owner", event.Owner,
			"source", event.Source,
			"target", event.Target,
			"item_count", event.ItemCount,
			"request_id", event.RequestID,
		)
	}

	if publisher == nil {
		return
	}
	if err := publisher.Emit(ctx, event); err != nil && logger != nil {
		logger.WarnContext(ctx, "failed to emit audit event", "event", event.Action, "error", err)
	}
}
