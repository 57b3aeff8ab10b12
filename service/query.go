package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/web5fans/micro-pay/common"
	"github.com/web5fans/micro-pay/internal/types"
	"github.com/web5fans/micro-pay/storage"
)

func (s *PaymentService) GetPayment(ctx context.Context, id uuid.UUID) (*types.PaymentWithAccounts, error) {
	p, err := s.db.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	accounts, err := s.db.GetAccountsByPayment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	return &types.PaymentWithAccounts{Payment: *p, Accounts: accounts}, nil
}

func (s *PaymentService) GetPaymentsBySender(ctx context.Context, sender string, page storage.Page) ([]types.Payment, error) {
	if sender == "" {
		return nil, types.Validationf("sender is required")
	}
	page.Limit = common.ClampLimit(page.Limit)
	payments, err := s.db.GetPaymentsBySender(ctx, sender, page)
	if err != nil {
		return nil, fmt.Errorf("failed to get payments: %w", err)
	}
	return payments, nil
}

func (s *PaymentService) GetAccountsByReceiver(ctx context.Context, receiver string, page storage.Page) ([]types.Account, error) {
	if receiver == "" {
		return nil, types.Validationf("receiver is required")
	}
	page.Limit = common.ClampLimit(page.Limit)
	accounts, err := s.db.GetAccountsByReceiver(ctx, receiver, page)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	return accounts, nil
}
