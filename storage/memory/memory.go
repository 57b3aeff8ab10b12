// Package memory is an in-process DatabaseStorage with the same conditional-update and
// uniqueness semantics as the postgres backend. Transactions are serialized: a
// transaction holds the store for its whole lifetime and works on a private copy that
// replaces the committed state on Commit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/web5fans/micro-pay/common"
	"github.com/web5fans/micro-pay/internal/types"
	"github.com/web5fans/micro-pay/storage"
)

var _ storage.DatabaseStorage = (*Store)(nil)

type state struct {
	addresses map[int]types.PlatformAddress
	payments  map[uuid.UUID]types.Payment
	accounts  map[uuid.UUID]types.Account
}

func newState() *state {
	return &state{
		addresses: make(map[int]types.PlatformAddress),
		payments:  make(map[uuid.UUID]types.Payment),
		accounts:  make(map[uuid.UUID]types.Account),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.addresses {
		c.addresses[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.accounts {
		v.PlatformAddressIndexes = append([]int(nil), v.PlatformAddressIndexes...)
		c.accounts[k] = v
	}
	return c
}

type Store struct {
	mu    sync.Mutex
	state *state

	// Now stamps created_at and updated_at.
	Now func() time.Time
	// CommitErr, when set, fails every Commit; the transaction is discarded.
	CommitErr error
}

func New() *Store {
	return &Store{state: newState(), Now: time.Now}
}

// Tx is the pgx.Tx handed out by Begin. Only Commit and Rollback are supported.
type Tx struct {
	pgx.Tx
	store *Store
	work  *state
	done  bool
}

func (t *Tx) Commit(_ context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	defer t.store.mu.Unlock()
	if t.store.CommitErr != nil {
		return t.store.CommitErr
	}
	t.store.state = t.work
	return nil
}

func (t *Tx) Rollback(_ context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &Tx{store: s, work: s.state.clone()}, nil
}

// view runs fn on the committed state.
func (s *Store) view(fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

func (s *Store) inTx(dbTx pgx.Tx) (*state, error) {
	t, ok := dbTx.(*Tx)
	if !ok || t.store != s {
		return nil, fmt.Errorf("memory store: foreign transaction %T", dbTx)
	}
	if t.done {
		return nil, pgx.ErrTxClosed
	}
	return t.work, nil
}

func (s *Store) InsertPlatformAddress(_ context.Context, addr types.PlatformAddress) (*types.PlatformAddress, error) {
	var out types.PlatformAddress
	err := s.view(func(st *state) error {
		if existing, ok := st.addresses[addr.DerivationIndex]; ok {
			out = existing
			return nil
		}
		for _, a := range st.addresses {
			if a.Address == addr.Address {
				return fmt.Errorf("platform address %s already stored at index %d", a.Address, a.DerivationIndex)
			}
		}
		if addr.ID == uuid.Nil {
			addr.ID = uuid.New()
		}
		now := s.Now()
		addr.IsUsed = false
		addr.CreatedAt, addr.UpdatedAt = now, now
		st.addresses[addr.DerivationIndex] = addr
		out = addr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetPlatformAddresses(_ context.Context) ([]types.PlatformAddress, error) {
	var out []types.PlatformAddress
	_ = s.view(func(st *state) error {
		out = sortedAddresses(st)
		return nil
	})
	return out, nil
}

func sortedAddresses(st *state) []types.PlatformAddress {
	out := make([]types.PlatformAddress, 0, len(st.addresses))
	for _, a := range st.addresses {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DerivationIndex < out[j].DerivationIndex })
	return out
}

func (s *Store) claim(st *state) *types.PlatformAddress {
	for _, a := range sortedAddresses(st) {
		if !a.IsUsed {
			a.IsUsed = true
			a.UpdatedAt = s.Now()
			st.addresses[a.DerivationIndex] = a
			return &a
		}
	}
	return nil
}

func (s *Store) ClaimPlatformAddress(_ context.Context) (*types.PlatformAddress, error) {
	var out *types.PlatformAddress
	_ = s.view(func(st *state) error {
		out = s.claim(st)
		return nil
	})
	return out, nil
}

func (s *Store) ClaimPlatformAddressTx(_ context.Context, dbTx pgx.Tx) (*types.PlatformAddress, error) {
	st, err := s.inTx(dbTx)
	if err != nil {
		return nil, err
	}
	return s.claim(st), nil
}

func (s *Store) release(st *state, index int) {
	if a, ok := st.addresses[index]; ok {
		a.IsUsed = false
		a.UpdatedAt = s.Now()
		st.addresses[index] = a
	}
}

func (s *Store) ReleasePlatformAddress(_ context.Context, index int) error {
	return s.view(func(st *state) error {
		s.release(st, index)
		return nil
	})
}

func (s *Store) ReleasePlatformAddressTx(_ context.Context, dbTx pgx.Tx, index int) error {
	st, err := s.inTx(dbTx)
	if err != nil {
		return err
	}
	s.release(st, index)
	return nil
}

func (s *Store) InsertPaymentTx(_ context.Context, dbTx pgx.Tx, payment types.Payment) error {
	st, err := s.inTx(dbTx)
	if err != nil {
		return err
	}
	if _, ok := st.payments[payment.ID]; ok {
		return fmt.Errorf("payment %s already exists", payment.ID)
	}
	if payment.Status.Active() {
		for _, p := range st.payments {
			if !p.Status.Active() {
				continue
			}
			if p.Sender == payment.Sender {
				return fmt.Errorf("%w: ux_payment_active_sender", types.ErrDuplicateActivePayment)
			}
			if payment.SenderDID != nil && p.SenderDID != nil && *p.SenderDID == *payment.SenderDID {
				return fmt.Errorf("%w: ux_payment_active_sender_did", types.ErrDuplicateActivePayment)
			}
		}
	}
	now := s.Now()
	payment.CreatedAt, payment.UpdatedAt = now, now
	st.payments[payment.ID] = payment
	return nil
}

func (s *Store) GetPayment(_ context.Context, id uuid.UUID) (*types.Payment, error) {
	var out types.Payment
	err := s.view(func(st *state) error {
		p, ok := st.payments[id]
		if !ok {
			return fmt.Errorf("%w: %s", types.ErrPaymentNotFound, id)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) filterPayments(fn func(p types.Payment) bool) []types.Payment {
	var out []types.Payment
	_ = s.view(func(st *state) error {
		for _, p := range st.payments {
			if fn(p) {
				out = append(out, p)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) GetPaymentsBySender(_ context.Context, sender string, page storage.Page) ([]types.Payment, error) {
	out := s.filterPayments(func(p types.Payment) bool { return p.Sender == sender })
	orderBy, direction := common.GetSortingCondition(page.Sort)
	sort.SliceStable(out, func(i, j int) bool {
		return less(direction, compareRecord(orderBy, out[i].CreatedAt, out[j].CreatedAt, out[i].UpdatedAt, out[j].UpdatedAt,
			out[i].Amount, out[j].Amount, string(out[i].Status), string(out[j].Status)))
	})
	return paginate(out, page), nil
}

func (s *Store) GetPaymentsByStatus(_ context.Context, status types.PaymentStatus) ([]types.Payment, error) {
	return s.filterPayments(func(p types.Payment) bool { return p.Status == status }), nil
}

func (s *Store) GetPaymentsByStatusBefore(_ context.Context, status types.PaymentStatus, before time.Time) ([]types.Payment, error) {
	return s.filterPayments(func(p types.Payment) bool {
		return p.Status == status && p.CreatedAt.Before(before)
	}), nil
}

func (s *Store) GetActivePaymentsTx(_ context.Context, dbTx pgx.Tx, sender string, senderDID *string) ([]types.Payment, error) {
	st, err := s.inTx(dbTx)
	if err != nil {
		return nil, err
	}
	var out []types.Payment
	for _, p := range st.payments {
		if !p.Status.Active() {
			continue
		}
		if p.Sender == sender || (senderDID != nil && p.SenderDID != nil && *p.SenderDID == *senderDID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) updatePayment(st *state, id uuid.UUID, from, to types.PaymentStatus) int64 {
	p, ok := st.payments[id]
	if !ok || p.Status != from {
		return 0
	}
	p.Status = to
	p.UpdatedAt = s.Now()
	st.payments[id] = p
	return 1
}

func (s *Store) UpdatePaymentStatus(_ context.Context, id uuid.UUID, from, to types.PaymentStatus) (int64, error) {
	var n int64
	_ = s.view(func(st *state) error {
		n = s.updatePayment(st, id, from, to)
		return nil
	})
	return n, nil
}

func (s *Store) UpdatePaymentStatusTx(_ context.Context, dbTx pgx.Tx, id uuid.UUID, from, to types.PaymentStatus) (int64, error) {
	st, err := s.inTx(dbTx)
	if err != nil {
		return 0, err
	}
	return s.updatePayment(st, id, from, to), nil
}

func (s *Store) InsertAccountTx(_ context.Context, dbTx pgx.Tx, account types.Account) error {
	st, err := s.inTx(dbTx)
	if err != nil {
		return err
	}
	if _, ok := st.payments[account.PaymentID]; !ok {
		return fmt.Errorf("account references unknown payment %s", account.PaymentID)
	}
	if _, ok := st.accounts[account.ID]; ok {
		return fmt.Errorf("account %s already exists", account.ID)
	}
	now := s.Now()
	account.CreatedAt, account.UpdatedAt = now, now
	st.accounts[account.ID] = account
	return nil
}

func (s *Store) filterAccounts(st *state, fn func(a types.Account) bool) []types.Account {
	var out []types.Account
	for _, a := range st.accounts {
		if fn(a) {
			a.PlatformAddressIndexes = append([]int(nil), a.PlatformAddressIndexes...)
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) GetAccountsByPayment(_ context.Context, paymentID uuid.UUID) ([]types.Account, error) {
	var out []types.Account
	_ = s.view(func(st *state) error {
		out = s.filterAccounts(st, func(a types.Account) bool { return a.PaymentID == paymentID })
		return nil
	})
	return out, nil
}

func (s *Store) GetAccountsByReceiver(_ context.Context, receiver string, page storage.Page) ([]types.Account, error) {
	var out []types.Account
	_ = s.view(func(st *state) error {
		out = s.filterAccounts(st, func(a types.Account) bool { return a.Receiver == receiver })
		return nil
	})
	orderBy, direction := common.GetSortingCondition(page.Sort)
	sort.SliceStable(out, func(i, j int) bool {
		return less(direction, compareRecord(orderBy, out[i].CreatedAt, out[j].CreatedAt, out[i].UpdatedAt, out[j].UpdatedAt,
			out[i].Amount, out[j].Amount, string(out[i].Status), string(out[j].Status)))
	})
	return paginate(out, page), nil
}

func (s *Store) UpdateAccountsByPaymentTx(_ context.Context, dbTx pgx.Tx, paymentID uuid.UUID, from, to types.AccountStatus) (int64, error) {
	st, err := s.inTx(dbTx)
	if err != nil {
		return 0, err
	}
	var n int64
	for id, a := range st.accounts {
		if a.PaymentID == paymentID && a.Status == from {
			a.Status = to
			a.UpdatedAt = s.Now()
			st.accounts[id] = a
			n++
		}
	}
	return n, nil
}

func (s *Store) GetCompleteAccountTotals(_ context.Context) ([]types.ReceiverTotal, error) {
	totals := make(map[string]*types.ReceiverTotal)
	_ = s.view(func(st *state) error {
		for _, a := range st.accounts {
			if a.Status != types.AccountStatusComplete {
				continue
			}
			t, ok := totals[a.Receiver]
			if !ok {
				t = &types.ReceiverTotal{Receiver: a.Receiver}
				totals[a.Receiver] = t
			}
			t.Total += a.Amount
			t.Count++
		}
		return nil
	})
	out := make([]types.ReceiverTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Receiver < out[j].Receiver })
	return out, nil
}

func (s *Store) ClaimCompleteAccountsTx(_ context.Context, dbTx pgx.Tx, receiver string) ([]types.Account, error) {
	st, err := s.inTx(dbTx)
	if err != nil {
		return nil, err
	}
	claimed := s.filterAccounts(st, func(a types.Account) bool {
		return a.Receiver == receiver && a.Status == types.AccountStatusComplete
	})
	for i := range claimed {
		claimed[i].Status = types.AccountStatusAccounting
		claimed[i].UpdatedAt = s.Now()
		st.accounts[claimed[i].ID] = claimed[i]
	}
	return claimed, nil
}

func (s *Store) SetAccountsSettlementTx(_ context.Context, dbTx pgx.Tx, ids []uuid.UUID, settlement types.Settlement) (int64, error) {
	st, err := s.inTx(dbTx)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		a, ok := st.accounts[id]
		if !ok || a.Status != types.AccountStatusAccounting {
			continue
		}
		hash := settlement.TxHash
		a.TxHash = &hash
		a.PlatformAddressIndexes = append([]int(nil), settlement.PlatformAddressIndexes...)
		a.UpdatedAt = s.Now()
		st.accounts[id] = a
		n++
	}
	return n, nil
}

func (s *Store) GetAccountingSettlements(_ context.Context) ([]types.Settlement, error) {
	var out []types.Settlement
	_ = s.view(func(st *state) error {
		seen := make(map[string]bool)
		for _, a := range s.filterAccounts(st, func(a types.Account) bool {
			return a.Status == types.AccountStatusAccounting && a.TxHash != nil
		}) {
			if seen[*a.TxHash] {
				continue
			}
			seen[*a.TxHash] = true
			out = append(out, types.Settlement{TxHash: *a.TxHash, PlatformAddressIndexes: a.PlatformAddressIndexes})
		}
		return nil
	})
	return out, nil
}

func (s *Store) UpdateAccountsBySettlementTx(_ context.Context, dbTx pgx.Tx, txHash string, from, to types.AccountStatus) (int64, error) {
	st, err := s.inTx(dbTx)
	if err != nil {
		return 0, err
	}
	var n int64
	for id, a := range st.accounts {
		if a.TxHash == nil || *a.TxHash != txHash || a.Status != from {
			continue
		}
		a.Status = to
		if to == types.AccountStatusComplete {
			a.TxHash = nil
			a.PlatformAddressIndexes = nil
		}
		a.UpdatedAt = s.Now()
		st.accounts[id] = a
		n++
	}
	return n, nil
}

// Snapshot helpers for tests.

func (s *Store) Payments() []types.Payment {
	return s.filterPayments(func(types.Payment) bool { return true })
}

func (s *Store) Accounts() []types.Account {
	var out []types.Account
	_ = s.view(func(st *state) error {
		out = s.filterAccounts(st, func(types.Account) bool { return true })
		return nil
	})
	return out
}

func (s *Store) UsedIndexes() []int {
	var out []int
	_ = s.view(func(st *state) error {
		for _, a := range sortedAddresses(st) {
			if a.IsUsed {
				out = append(out, a.DerivationIndex)
			}
		}
		return nil
	})
	return out
}

// compareRecord orders two rows by one of the whitelisted sort columns.
func compareRecord(column string, createdA, createdB, updatedA, updatedB time.Time, amountA, amountB uint64, statusA, statusB string) int {
	switch column {
	case "updated_at":
		return updatedA.Compare(updatedB)
	case "amount":
		switch {
		case amountA < amountB:
			return -1
		case amountA > amountB:
			return 1
		}
		return 0
	case "status":
		return strings.Compare(statusA, statusB)
	default:
		return createdA.Compare(createdB)
	}
}

func less(direction string, cmp int) bool {
	if direction == "DESC" {
		return cmp > 0
	}
	return cmp < 0
}

func paginate[T any](rows []T, page storage.Page) []T {
	offset := max(page.Offset, 0)
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit := common.ClampLimit(page.Limit); len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
