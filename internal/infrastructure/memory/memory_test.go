package memory_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/facturacion-sri/internal/domain"
	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
	"github.com/jhoicas/facturacion-sri/internal/domain/repository"
	"github.com/jhoicas/facturacion-sri/internal/infrastructure/memory"
)

// ── InvoiceStore ────────────────────────────────────────────────────────────

func TestInvoiceStore_ConcurrenciaUnSoloGanador(t *testing.T) {
	store := memory.NewInvoiceStore()
	ctx := context.Background()
	inv := &entity.Invoice{Status: entity.InvoiceStatusSent}
	require.NoError(t, store.Create(ctx, inv))

	const writers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := entity.InvoiceStatusAuthorized
			if i%2 == 0 {
				target = entity.InvoiceStatusRejected
			}
			ok, err := store.UpdateStatus(ctx, inv.ID, entity.InvoiceStatusSent, entity.StatusUpdate{Status: target})
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, _ := store.GetByID(ctx, inv.ID)
	assert.True(t, entity.IsFinal(got.Status))
}

func TestInvoiceStore_ClaveDeAccesoSeAsignaUnaVez(t *testing.T) {
	store := memory.NewInvoiceStore()
	ctx := context.Background()
	inv := &entity.Invoice{Status: entity.InvoiceStatusPending}
	require.NoError(t, store.Create(ctx, inv))

	ok, err := store.UpdateStatus(ctx, inv.ID, entity.InvoiceStatusPending, entity.StatusUpdate{Status: entity.InvoiceStatusError, AccessKey: entity.Str("A")})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.UpdateStatus(ctx, inv.ID, entity.InvoiceStatusError, entity.StatusUpdate{Status: entity.InvoiceStatusPending, AccessKey: entity.Str("B"), IncrementAttempt: true})
	require.NoError(t, err)
	require.True(t, ok)

	got, _ := store.GetByID(ctx, inv.ID)
	assert.Equal(t, "A", got.AccessKey)
	assert.Equal(t, 1, got.Attempt)
}

func TestInvoiceStore_ClaveDuplicadaEntreFacturas(t *testing.T) {
	store := memory.NewInvoiceStore()
	ctx := context.Background()
	a := &entity.Invoice{Status: entity.InvoiceStatusPending, AccessKey: "K"}
	require.NoError(t, store.Create(ctx, a))
	b := &entity.Invoice{Status: entity.InvoiceStatusPending}
	require.NoError(t, store.Create(ctx, b))

	_, err := store.UpdateStatus(ctx, b.ID, entity.InvoiceStatusPending, entity.StatusUpdate{Status: entity.InvoiceStatusGenerated, AccessKey: entity.Str("K")})
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestInvoiceStore_ListByStatusOrdenado(t *testing.T) {
	store := memory.NewInvoiceStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 3; i >= 1; i-- {
		require.NoError(t, store.Create(ctx, &entity.Invoice{
			SaleReference: string(rune('A' + i)),
			Status:        entity.InvoiceStatusSent,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.Create(ctx, &entity.Invoice{Status: entity.InvoiceStatusPending}))

	list, err := store.ListByStatus(ctx, entity.InvoiceStatusSent, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "B", list[0].SaleReference)
	assert.Equal(t, "C", list[1].SaleReference)
}

func TestInvoiceStore_ListRecientesPrimeroConFiltro(t *testing.T) {
	store := memory.NewInvoiceStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range []string{entity.InvoiceStatusSent, entity.InvoiceStatusError, entity.InvoiceStatusSent} {
		require.NoError(t, store.Create(ctx, &entity.Invoice{
			SaleReference: string(rune('A' + i)),
			Status:        status,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := store.List(ctx, repository.InvoiceFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "C", all[0].SaleReference)
	assert.Equal(t, "A", all[2].SaleReference)

	page, err := store.List(ctx, repository.InvoiceFilter{Status: entity.InvoiceStatusSent, Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "A", page[0].SaleReference)

	beyond, err := store.List(ctx, repository.InvoiceFilter{Offset: 5, Limit: 1})
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestInvoiceStore_SentAtSeEscribeUnaVez(t *testing.T) {
	store := memory.NewInvoiceStore()
	ctx := context.Background()
	inv := &entity.Invoice{Status: entity.InvoiceStatusGenerated}
	require.NoError(t, store.Create(ctx, inv))

	first := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)
	_, err := store.UpdateStatus(ctx, inv.ID, entity.InvoiceStatusGenerated, entity.StatusUpdate{Status: entity.InvoiceStatusSent, SentAt: &first})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, inv.ID, entity.InvoiceStatusSent, entity.StatusUpdate{Status: entity.InvoiceStatusSent, SentAt: &later})
	require.NoError(t, err)

	got, _ := store.GetByID(ctx, inv.ID)
	require.NotNil(t, got.SentAt)
	assert.True(t, first.Equal(*got.SentAt))
}

func TestInvoiceStore_NextSequentialPorSerie(t *testing.T) {
	store := memory.NewInvoiceStore()
	ctx := context.Background()
	n1, _ := store.NextSequential(ctx, "001", "001")
	n2, _ := store.NextSequential(ctx, "001", "001")
	o1, _ := store.NextSequential(ctx, "001", "002")
	assert.Equal(t, []int64{1, 2, 1}, []int64{n1, n2, o1})
}

// ── KeyedLocker ─────────────────────────────────────────────────────────────

func TestKeyedLocker_ExclusionPorClave(t *testing.T) {
	l := memory.NewKeyedLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "f1")
	require.NoError(t, err)

	// Otra clave no se bloquea.
	unlockOther, err := l.Lock(ctx, "f2")
	require.NoError(t, err)
	unlockOther()

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(short, "f1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // idempotente

	again, err := l.Lock(ctx, "f1")
	require.NoError(t, err)
	again()
}

func TestKeyedLocker_SeccionCriticaSerializada(t *testing.T) {
	l := memory.NewKeyedLocker()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "f1")
			require.NoError(t, err)
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}
