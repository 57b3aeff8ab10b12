package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web5fans/micro-pay/internal/types"
)

func provisioned(t *testing.T, count int) *Store {
	s := New()
	for i := 0; i < count; i++ {
		_, err := s.InsertPlatformAddress(context.Background(), types.PlatformAddress{
			Address:         fmt.Sprintf("ckt1p%d", i),
			DerivationIndex: i,
		})
		require.NoError(t, err)
	}
	return s
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	s := provisioned(t, 5)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []int
		empty   int
	)
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := s.ClaimPlatformAddress(ctx)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if a == nil {
				empty++
				return
			}
			claimed = append(claimed, a.DerivationIndex)
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4}, claimed)
	assert.Equal(t, 2, empty)
}

func TestRollbackDiscardsClaims(t *testing.T) {
	s := provisioned(t, 2)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	a, err := s.ClaimPlatformAddressTx(ctx, tx)
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NoError(t, tx.Rollback(ctx))
	assert.ErrorIs(t, tx.Rollback(ctx), pgx.ErrTxClosed)

	assert.Empty(t, s.UsedIndexes())

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	_, err = s.ClaimPlatformAddressTx(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, []int{0}, s.UsedIndexes())
}

func TestInsertPaymentEnforcesActiveSender(t *testing.T) {
	s := New()
	ctx := context.Background()
	did := "did:web5:alice"

	insert := func(sender string, senderDID *string) error {
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback(ctx) }()
		if err := s.InsertPaymentTx(ctx, tx, types.Payment{
			ID: uuid.New(), Sender: sender, SenderDID: senderDID, Amount: 1, Status: types.PaymentStatusPrepare,
		}); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	require.NoError(t, insert("a", &did))
	assert.ErrorIs(t, insert("a", nil), types.ErrDuplicateActivePayment)
	assert.ErrorIs(t, insert("b", &did), types.ErrDuplicateActivePayment)
	require.NoError(t, insert("c", nil))

	p := s.Payments()[0]
	n, err := s.UpdatePaymentStatus(ctx, p.ID, types.PaymentStatusPrepare, types.PaymentStatusCancel)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, insert(p.Sender, p.SenderDID))
}

func TestForeignTransactionRejected(t *testing.T) {
	a, b := New(), New()
	ctx := context.Background()
	tx, err := a.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = b.ClaimPlatformAddressTx(ctx, tx)
	assert.Error(t, err)
}
