package billing

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Estados de una tarea diferida.
const (
	TaskQueued  = "queued"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// Tipos de tarea.
const (
	TaskKindProcess = "process"
)

var (
	ErrQueueFull   = errors.New("billing: cola de tareas llena")
	ErrQueueClosed = errors.New("billing: cola de tareas cerrada")
)

// Task estado observable de una unidad de trabajo encolada.
type Task struct {
	ID         string
	Kind       string
	InvoiceID  string
	State      string
	Error      string
	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

type job struct {
	id string
	fn func(ctx context.Context) error
}

// QueueOptions tamaño de la cola, workers y tiempo máximo de cada ejecución.
type QueueOptions struct {
	Workers    int
	Size       int
	RunTimeout time.Duration
	Retention  time.Duration // cuánto se conserva el estado de tareas terminadas
}

// TaskQueue cola acotada con N workers. Reemplaza el lanzamiento suelto de goroutines:
// cada tarea tiene id, estado consultable y el cierre espera a las que están en curso.
type TaskQueue struct {
	opts    QueueOptions
	jobs    chan job
	metrics Metrics
	log     zerolog.Logger

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
	wg     sync.WaitGroup
	start  sync.Once
}

// NewTaskQueue crea la cola; Start lanza los workers.
func NewTaskQueue(opts QueueOptions, metrics Metrics, log zerolog.Logger) *TaskQueue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Size <= 0 {
		opts.Size = 256
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 2 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &TaskQueue{
		opts:    opts,
		jobs:    make(chan job, opts.Size),
		metrics: metrics,
		log:     log.With().Str("component", "task_queue").Logger(),
		tasks:   make(map[string]*Task),
	}
}

// Start lanza los workers. Llamadas repetidas no tienen efecto.
func (q *TaskQueue) Start() {
	q.start.Do(func() {
		for i := 0; i < q.opts.Workers; i++ {
			q.wg.Add(1)
			go q.worker(i)
		}
		q.log.Info().Int("workers", q.opts.Workers).Int("size", q.opts.Size).Msg("cola de tareas iniciada")
	})
}

// Enqueue encola fn para invoiceID y devuelve el id de la tarea. No bloquea.
func (q *TaskQueue) Enqueue(kind, invoiceID string, fn func(ctx context.Context) error) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}

	t := &Task{
		ID:         uuid.New().String(),
		Kind:       kind,
		InvoiceID:  invoiceID,
		State:      TaskQueued,
		EnqueuedAt: time.Now().UTC(),
	}
	select {
	case q.jobs <- job{id: t.ID, fn: fn}:
	default:
		return "", ErrQueueFull
	}
	q.tasks[t.ID] = t
	q.metrics.TaskFinished(TaskQueued)
	q.metrics.QueueDepth(len(q.jobs))
	q.pruneLocked(t.EnqueuedAt)
	return t.ID, nil
}

// Status devuelve una copia del estado de la tarea.
func (q *TaskQueue) Status(taskID string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Shutdown deja de aceptar tareas y espera a que los workers vacíen la cola.
// Las ejecuciones en curso no se cancelan; si ctx vence antes, se devuelve ctx.Err().
func (q *TaskQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.log.Info().Msg("cola de tareas detenida")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("billing: cierre de la cola: %w", ctx.Err())
	}
}

func (q *TaskQueue) worker(n int) {
	defer q.wg.Done()
	for j := range q.jobs {
		q.metrics.QueueDepth(len(q.jobs))
		q.run(n, j)
	}
}

func (q *TaskQueue) run(worker int, j job) {
	q.setState(j.id, TaskRunning, "")

	// Contexto propio: el cierre del servidor no corta una llamada al SRI a medias.
	ctx, cancel := context.WithTimeout(context.Background(), q.opts.RunTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				q.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Str("task_id", j.id).
					Msg("pánico en tarea")
				err = fmt.Errorf("pánico: %v", r)
			}
		}()
		return j.fn(ctx)
	}()

	if err != nil {
		q.log.Warn().Err(err).Str("task_id", j.id).Int("worker", worker).Msg("tarea fallida")
		q.setState(j.id, TaskFailed, err.Error())
		q.metrics.TaskFinished(TaskFailed)
		return
	}
	q.setState(j.id, TaskDone, "")
	q.metrics.TaskFinished(TaskDone)
}

func (q *TaskQueue) setState(id, state, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	t.State = state
	t.Error = errMsg
	switch state {
	case TaskRunning:
		t.StartedAt = &now
	case TaskDone, TaskFailed:
		t.FinishedAt = &now
	}
}

// pruneLocked descarta tareas terminadas más antiguas que Retention.
func (q *TaskQueue) pruneLocked(now time.Time) {
	for id, t := range q.tasks {
		if t.FinishedAt != nil && now.Sub(*t.FinishedAt) > q.opts.Retention {
			delete(q.tasks, id)
		}
	}
}
