package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web5fans/micro-pay/internal/types"
	"github.com/web5fans/micro-pay/storage"
)

type stubPayments struct {
	prepared types.PrepareRequest
	page     storage.Page
	err      error
}

func (s *stubPayments) PreparePayment(_ context.Context, req types.PrepareRequest) (*types.PrepareResult, error) {
	s.prepared = req
	if s.err != nil {
		return nil, s.err
	}
	return &types.PrepareResult{PaymentID: uuid.MustParse("6f1c2b9e-9f61-4d2c-8f39-0e7a8e5d1c11"), RawTx: "{}", TxHash: "0x01"}, nil
}

func (s *stubPayments) CompleteTransfer(_ context.Context, req types.TransferRequest) (*types.TransferResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &types.TransferResult{PaymentID: req.PaymentID, TxHash: "0x01", Status: types.PaymentStatusTransfer}, nil
}

func (s *stubPayments) GetPayment(_ context.Context, id uuid.UUID) (*types.PaymentWithAccounts, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &types.PaymentWithAccounts{Payment: types.Payment{ID: id}}, nil
}

func (s *stubPayments) GetPaymentsBySender(_ context.Context, _ string, page storage.Page) ([]types.Payment, error) {
	s.page = page
	return []types.Payment{}, s.err
}

func (s *stubPayments) GetAccountsByReceiver(_ context.Context, _ string, page storage.Page) ([]types.Account, error) {
	s.page = page
	return []types.Account{}, s.err
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPrepareRoute(t *testing.T) {
	stub := &stubPayments{}
	s := NewServer("localhost", 0, stub, logrus.New())

	rec := do(t, s, http.MethodPost, "/api/payment/prepare",
		`{"sender":"ckt1a","receiver":"ckt1b","amount":1000,"category":2,"splits":[{"address":"ckt1c","rate":"12.5"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res types.PrepareResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "0x01", res.TxHash)
	assert.EqualValues(t, 1000, stub.prepared.Amount)
	require.Len(t, stub.prepared.Splits, 1)
	assert.Equal(t, "12.5", stub.prepared.Splits[0].Rate.String())

	rec = do(t, s, http.MethodPost, "/api/payment/prepare", `{"amount":"lots"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouteErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.Validationf("amount must be positive"), http.StatusBadRequest},
		{fmt.Errorf("%w: short", types.ErrInsufficientBalance), http.StatusUnprocessableEntity},
		{types.ErrNoAvailablePlatformAddress, http.StatusServiceUnavailable},
		{types.ErrDuplicateActivePayment, http.StatusConflict},
		{types.ErrStateMismatch, http.StatusConflict},
		{types.ErrPaymentNotFound, http.StatusNotFound},
		{types.ErrHashMismatch, http.StatusBadRequest},
		{types.ErrUnsupportedCellShape, http.StatusUnprocessableEntity},
		{&types.TransactionError{Code: "-301", Message: "rejected"}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			s := NewServer("localhost", 0, &stubPayments{err: tt.err}, logrus.New())
			rec := do(t, s, http.MethodPost, "/api/payment/transfer",
				`{"payment_id":"6f1c2b9e-9f61-4d2c-8f39-0e7a8e5d1c11","signed_tx":"{}"}`)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestQueryRoutes(t *testing.T) {
	stub := &stubPayments{}
	s := NewServer("localhost", 0, stub, logrus.New())

	rec := do(t, s, http.MethodGet, "/api/payment/sender/ckt1a?limit=5&offset=10&sort=-amount", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, storage.Page{Limit: 5, Offset: 10, Sort: "-amount"}, stub.page)

	rec = do(t, s, http.MethodGet, "/api/payment/receiver/ckt1b?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/payment/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/payment/6f1c2b9e-9f61-4d2c-8f39-0e7a8e5d1c11", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
