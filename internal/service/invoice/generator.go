package invoice

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"homebase/internal/model"
	"homebase/pkg/logger"
)

// AmountResolver 查询预约对应的已接受报价金额
type AmountResolver interface {
	AcceptedQuoteAmountForBooking(ctx context.Context, bookingID int64) (int64, error)
}

// InvoiceStore 发票持久化；Create 以 booking_id 幂等
type InvoiceStore interface {
	GetByBooking(ctx context.Context, bookingID int64) (*model.Invoice, error)
	Create(ctx context.Context, inv *model.Invoice) (bool, error)
}

// Generator creates the invoice for a completed job. Repeated calls for
// the same booking are safe: at most one invoice row ever exists.
type Generator struct {
	invoices InvoiceStore
	refs     AmountResolver
	logger   *zap.Logger
}

func NewGenerator(invoices InvoiceStore, refs AmountResolver, log *zap.Logger) *Generator {
	return &Generator{invoices: invoices, refs: refs, logger: log}
}

// EnsureInvoice 为预约生成发票（已存在则直接返回现有行）
func (g *Generator) EnsureInvoice(ctx context.Context, bookingID int64) (*model.Invoice, error) {
	log := logger.WithTrace(ctx, g.logger)

	existing, err := g.invoices.GetByBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing invoice: %w", err)
	}
	if existing != nil {
		log.Info("Invoice already exists",
			zap.Int64("booking_id", bookingID),
			zap.Int64("invoice_id", existing.ID),
		)
		return existing, nil
	}

	amount, err := g.refs.AcceptedQuoteAmountForBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve quote amount: %w", err)
	}

	inv := &model.Invoice{
		BookingID:   bookingID,
		AmountCents: amount,
		Status:      "sent",
	}

	created, err := g.invoices.Create(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}
	if !created {
		// 与并发生成竞争输了；读取赢家的行
		existing, err = g.invoices.GetByBooking(ctx, bookingID)
		if err != nil {
			return nil, fmt.Errorf("failed to load concurrent invoice: %w", err)
		}
		return existing, nil
	}

	log.Info("Invoice created",
		zap.Int64("booking_id", bookingID),
		zap.Int64("invoice_id", inv.ID),
		zap.Int64("amount_cents", amount),
	)
	return inv, nil
}
