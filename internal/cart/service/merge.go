package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"cartkeep/internal/cart/models"
	"cartkeep/internal/cart/ports"
	dErrors "cartkeep/pkg/domain-errors"
	"cartkeep/pkg/platform/audit"
	"cartkeep/pkg/platform/sentinel"
	"cartkeep/pkg/requestcontext"
)

// Merge folds the guest cart of source into the account cart of target and
// returns the resulting account cart. The guest cart is left untouched.
//
// Repeating a merge of an unchanged guest cart is a no-op; a guest cart that
// grew since the last merge contributes only the growth.
func (s *Service) Merge(ctx context.Context, source, target models.Owner) (*models.Cart, error) {
	if err := source.Validate(); err != nil {
		return nil, err
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if !source.IsGuest() || !target.IsAccount() {
		return nil, dErrors.New(dErrors.CodeValidation, "merge requires a guest source and an account target")
	}

	ctx, span := s.tracer.Start(ctx, "cart.merge")
	defer span.End()
	span.SetAttributes(
		attribute.String("cart.source", source.Redacted()),
		attribute.String("cart.target", target.Redacted()),
	)

	start := time.Now()
	cart, outcome, contributed, err := s.merge(ctx, source, target)
	s.metrics.ObserveMerge(time.Since(start))
	s.metrics.IncMergeOutcome(outcome)
	s.observe("merge", target, outcome, start)
	span.SetAttributes(attribute.String("cart.merge.outcome", outcome))

	event := audit.Event{
		Source:      source.Redacted(),
		Target:      target.Redacted(),
		Contributed: contributed,
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "merge failed")
		event.Action = string(audit.EventCartMergeFailed)
		event.Reason = err.Error()
		ports.EmitAudit(ctx, s.logger, s.auditPublisher, event)
		return nil, err
	}

	event.ItemCount = cart.ItemCount()
	event.Version = cart.Version
	event.Action = string(audit.EventCartMerged)
	if outcome == "noop" {
		event.Action = string(audit.EventCartMergeNoop)
	}
	ports.EmitAudit(ctx, s.logger, s.auditPublisher, event)
	return cart, nil
}

func (s *Service) merge(ctx context.Context, source, target models.Owner) (*models.Cart, string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		src, tgt, err := s.loadPair(ctx, source, target)
		if err != nil {
			return nil, "failed", 0, s.storeFailure(ctx, "merge", target, err)
		}

		now := requestcontext.Now(ctx)
		plan := models.PlanMerge(src, tgt, s.maxQuantity, now)
		if !plan.Changed {
			return tgt.Cart(target), "noop", 0, nil
		}

		next := tgt.Clone()
		next.Lines = plan.Lines
		if next.Receipts == nil {
			next.Receipts = make(map[string]models.MergeReceipt, 1)
		}
		next.Receipts[src.OwnerKey] = plan.Receipt
		next.UpdatedAt = now

		err = s.store.Save(ctx, next, tgt.Version)
		if errors.Is(err, sentinel.ErrConflict) {
			s.metrics.IncStoreConflict("merge")
			continue
		}
		if err != nil {
			return nil, "failed", 0, s.storeFailure(ctx, "merge", target, err)
		}
		return next.Cart(target), "merged", countItems(plan.Contribution), nil
	}
	return nil, "failed", 0, dErrors.New(dErrors.CodeConflict, "account cart was modified concurrently during merge")
}

// loadPair reads the guest and account records concurrently.
func (s *Service) loadPair(ctx context.Context, source, target models.Owner) (*models.Record, *models.Record, error) {
	var src, tgt *models.Record
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rec, err := s.load(gctx, source)
		src = rec
		return err
	})
	g.Go(func() error {
		rec, err := s.load(gctx, target)
		tgt = rec
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return src, tgt, nil
}

func countItems(lines []models.Line) int {
	n := 0
	for _, l := range lines {
		n += l.Quantity
	}
	return n
}
