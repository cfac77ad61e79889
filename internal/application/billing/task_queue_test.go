package billing_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/facturacion-sri/internal/application/billing"
)

func newQueue(t *testing.T, opts billing.QueueOptions) *billing.TaskQueue {
	t.Helper()
	q := billing.NewTaskQueue(opts, nil, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q
}

func waitState(t *testing.T, q *billing.TaskQueue, id, state string) billing.Task {
	t.Helper()
	var last billing.Task
	require.Eventually(t, func() bool {
		task, ok := q.Status(id)
		last = task
		return ok && task.State == state
	}, 5*time.Second, 10*time.Millisecond, "la tarea no llegó a %s", state)
	return last
}

func TestTaskQueue_EjecutaYReportaDone(t *testing.T) {
	q := newQueue(t, billing.QueueOptions{Workers: 2, Size: 4})
	q.Start()

	var ran atomic.Bool
	id, err := q.Enqueue(billing.TaskKindProcess, "inv-1", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task := waitState(t, q, id, billing.TaskDone)
	assert.True(t, ran.Load())
	assert.Equal(t, "inv-1", task.InvoiceID)
	assert.Equal(t, billing.TaskKindProcess, task.Kind)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.FinishedAt)
}

func TestTaskQueue_ErrorQuedaFailed(t *testing.T) {
	q := newQueue(t, billing.QueueOptions{Workers: 1, Size: 1})
	q.Start()

	id, err := q.Enqueue(billing.TaskKindProcess, "inv-1", func(context.Context) error {
		return errors.New("sri caído")
	})
	require.NoError(t, err)

	task := waitState(t, q, id, billing.TaskFailed)
	assert.Equal(t, "sri caído", task.Error)
}

func TestTaskQueue_PanicoQuedaFailed(t *testing.T) {
	q := newQueue(t, billing.QueueOptions{Workers: 1, Size: 1})
	q.Start()

	id, err := q.Enqueue(billing.TaskKindProcess, "inv-1", func(context.Context) error {
		panic("boom")
	})
	require.NoError(t, err)

	task := waitState(t, q, id, billing.TaskFailed)
	assert.Contains(t, task.Error, "boom")

	// El worker sigue vivo.
	id2, err := q.Enqueue(billing.TaskKindProcess, "inv-2", func(context.Context) error { return nil })
	require.NoError(t, err)
	waitState(t, q, id2, billing.TaskDone)
}

func TestTaskQueue_ColaLlena(t *testing.T) {
	q := newQueue(t, billing.QueueOptions{Workers: 1, Size: 1})
	// Sin Start: nadie consume.

	first, err := q.Enqueue(billing.TaskKindProcess, "inv-1", func(context.Context) error { return nil })
	require.NoError(t, err)
	_, err = q.Enqueue(billing.TaskKindProcess, "inv-2", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, billing.ErrQueueFull)

	task, ok := q.Status(first)
	require.True(t, ok)
	assert.Equal(t, billing.TaskQueued, task.State)
}

func TestTaskQueue_ShutdownEsperaYRechazaNuevas(t *testing.T) {
	q := billing.NewTaskQueue(billing.QueueOptions{Workers: 1, Size: 2}, nil, zerolog.Nop())
	q.Start()

	release := make(chan struct{})
	var finished atomic.Bool
	id, err := q.Enqueue(billing.TaskKindProcess, "inv-1", func(ctx context.Context) error {
		<-release
		finished.Store(true)
		return ctx.Err()
	})
	require.NoError(t, err)
	waitState(t, q, id, billing.TaskRunning)

	done := make(chan error, 1)
	go func() { done <- q.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool {
		_, err := q.Enqueue(billing.TaskKindProcess, "inv-2", func(context.Context) error { return nil })
		return errors.Is(err, billing.ErrQueueClosed)
	}, time.Second, 5*time.Millisecond)

	select {
	case <-done:
		t.Fatal("Shutdown no debe volver con una tarea en curso")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	assert.True(t, finished.Load())
	task, _ := q.Status(id)
	assert.Equal(t, billing.TaskDone, task.State, "el contexto de la tarea no se cancela en el cierre")
}

func TestTaskQueue_ShutdownConPlazoVencido(t *testing.T) {
	q := billing.NewTaskQueue(billing.QueueOptions{Workers: 1, Size: 1}, nil, zerolog.Nop())
	q.Start()

	release := make(chan struct{})
	defer close(release)
	id, err := q.Enqueue(billing.TaskKindProcess, "inv-1", func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	waitState(t, q, id, billing.TaskRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Shutdown(ctx), context.DeadlineExceeded)
}

func TestTaskQueue_TareaDesconocida(t *testing.T) {
	q := newQueue(t, billing.QueueOptions{})
	_, ok := q.Status("no-existe")
	assert.False(t, ok)
}
