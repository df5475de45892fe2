package worker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	api "github.com/rangelab/solverqueue/api/v1alpha1"
	"github.com/rangelab/solverqueue/internal/compute"
	"github.com/rangelab/solverqueue/internal/config"
	"github.com/rangelab/solverqueue/internal/queue"
	st "github.com/rangelab/solverqueue/internal/store"
	"github.com/rangelab/solverqueue/internal/store/model"
	"github.com/rangelab/solverqueue/internal/worker"
)

const (
	testMaxAttempts  = 3
	testRetryBackoff = 5 * time.Millisecond
)

type testEnv struct {
	store  st.Store
	broker *queue.MemoryBroker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := st.InitDB(config.NewDefault())
	require.NoError(t, err)

	s := st.NewStore(db)
	require.NoError(t, s.InitialMigration())

	b := queue.NewMemoryBroker()
	require.NoError(t, b.DeclareTopology(context.Background()))

	t.Cleanup(func() {
		_ = b.Close()
		db.Exec("DELETE FROM jobs;")
		s.Close()
	})
	return &testEnv{store: s, broker: b}
}

// startWorker runs one worker for the job type until the test ends.
func (e *testEnv) startWorker(t *testing.T, jobType api.JobType, fn compute.Func) {
	t.Helper()
	registry := compute.NewRegistry()
	require.NoError(t, registry.Register(jobType, fn))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	w := worker.New(1, jobType, e.store, e.broker, registry, testMaxAttempts, testRetryBackoff)
	go func() { _ = w.Run(ctx) }()
}

// enqueue creates the job row and publishes its message, mirroring submission.
func (e *testEnv) enqueue(t *testing.T, jobType api.JobType, payload string) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	job := model.NewJob(jobType, json.RawMessage(payload))
	msg := queue.NewMessage(job.ID, jobType, job.Payload)
	job.BrokerTaskID = &msg.TaskID

	_, err := e.store.Job().Create(ctx, job)
	require.NoError(t, err)
	require.NoError(t, e.broker.Publish(ctx, msg))
	return job.ID
}

func (e *testEnv) jobStatus(t *testing.T, id uuid.UUID) string {
	t.Helper()
	job, err := e.store.Job().Get(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

func TestWorkerCompletesJob(t *testing.T) {
	env := newTestEnv(t)
	env.startWorker(t, api.JobTypeSpotSimulation, func(ctx context.Context, payload json.RawMessage, progress func(float64)) (json.RawMessage, error) {
		progress(0.5)
		return json.RawMessage(`{"equity":0.52}`), nil
	})

	id := env.enqueue(t, api.JobTypeSpotSimulation, `{"hands":["AhKh"]}`)

	require.Eventually(t, func() bool {
		return env.jobStatus(t, id) == string(api.JobStatusCompleted)
	}, 5*time.Second, 10*time.Millisecond)

	job, err := env.store.Job().Get(context.Background(), id)
	require.NoError(t, err)
	require.JSONEq(t, `{"equity":0.52}`, string(job.Result))
	require.Nil(t, job.ErrorMessage)
	require.Equal(t, 1.0, job.Progress)
}

func TestWorkerReportsProgress(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	env.startWorker(t, api.JobTypeSpotSimulation, func(ctx context.Context, payload json.RawMessage, progress func(float64)) (json.RawMessage, error) {
		progress(0.4)
		<-release
		return json.RawMessage(`{}`), nil
	})

	id := env.enqueue(t, api.JobTypeSpotSimulation, `{"hands":["AhKh"]}`)

	require.Eventually(t, func() bool {
		job, err := env.store.Job().Get(context.Background(), id)
		require.NoError(t, err)
		return job.Status == string(api.JobStatusRunning) && job.Progress == 0.4
	}, 5*time.Second, 10*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		return env.jobStatus(t, id) == string(api.JobStatusCompleted)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	attempts := make(chan int, testMaxAttempts+1)
	env.startWorker(t, api.JobTypeSolverAnalysis, func(ctx context.Context, payload json.RawMessage, progress func(float64)) (json.RawMessage, error) {
		attempts <- 1
		return nil, fmt.Errorf("bad board")
	})

	id := env.enqueue(t, api.JobTypeSolverAnalysis, `{"tree":{}}`)

	require.Eventually(t, func() bool {
		dlq, err := env.broker.ListDLQ(context.Background(), api.JobTypeSolverAnalysis)
		require.NoError(t, err)
		return len(dlq) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Len(t, attempts, testMaxAttempts)

	dlq, err := env.broker.ListDLQ(context.Background(), api.JobTypeSolverAnalysis)
	require.NoError(t, err)
	require.Equal(t, id, dlq[0].JobID)
	require.Equal(t, testMaxAttempts, dlq[0].Attempt)

	job, err := env.store.Job().Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, string(api.JobStatusFailed), job.Status)
	require.NotNil(t, job.ErrorMessage)
	require.Contains(t, *job.ErrorMessage, "bad board")
	require.Nil(t, job.Result)
}

func TestWorkerRecoversAfterTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	env.startWorker(t, api.JobTypeSpotSimulation, func(ctx context.Context, payload json.RawMessage, progress func(float64)) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("transient engine hiccup")
		}
		return json.RawMessage(`{"equity":0.3}`), nil
	})

	id := env.enqueue(t, api.JobTypeSpotSimulation, `{"hands":["AhKh"]}`)

	require.Eventually(t, func() bool {
		return env.jobStatus(t, id) == string(api.JobStatusCompleted)
	}, 5*time.Second, 10*time.Millisecond)

	// the retry overwrote the failed attempt's error
	job, err := env.store.Job().Get(context.Background(), id)
	require.NoError(t, err)
	require.Nil(t, job.ErrorMessage)

	dlq, err := env.broker.ListDLQ(context.Background(), api.JobTypeSpotSimulation)
	require.NoError(t, err)
	require.Empty(t, dlq)
}

func TestWorkerRejectsMessageWithoutRow(t *testing.T) {
	env := newTestEnv(t)
	env.startWorker(t, api.JobTypeSpotSimulation, func(ctx context.Context, payload json.RawMessage, progress func(float64)) (json.RawMessage, error) {
		t.Error("compute must not run for a message without a row")
		return nil, nil
	})

	orphan := queue.NewMessage(uuid.New(), api.JobTypeSpotSimulation, json.RawMessage(`{}`))
	require.NoError(t, env.broker.Publish(context.Background(), orphan))

	require.Eventually(t, func() bool {
		dlq, err := env.broker.ListDLQ(context.Background(), api.JobTypeSpotSimulation)
		require.NoError(t, err)
		return len(dlq) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// no row was fabricated for the orphan
	count, err := env.store.Job().Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestWorkerDropsDuplicateOfCompletedJob(t *testing.T) {
	env := newTestEnv(t)
	env.startWorker(t, api.JobTypeSpotSimulation, func(ctx context.Context, payload json.RawMessage, progress func(float64)) (json.RawMessage, error) {
		t.Error("compute must not run for a terminal job")
		return nil, nil
	})

	ctx := context.Background()
	job := model.NewJob(api.JobTypeSpotSimulation, json.RawMessage(`{"hands":["AhKh"]}`))
	_, err := env.store.Job().Create(ctx, job)
	require.NoError(t, err)
	_, err = env.store.Job().MarkRunning(ctx, job.ID, "task-1")
	require.NoError(t, err)
	_, err = env.store.Job().MarkCompleted(ctx, job.ID, json.RawMessage(`{"equity":0.9}`))
	require.NoError(t, err)

	duplicate := queue.NewMessage(job.ID, api.JobTypeSpotSimulation, job.Payload)
	require.NoError(t, env.broker.Publish(ctx, duplicate))

	require.Eventually(t, func() bool {
		return env.broker.Depth(api.JobTypeSpotSimulation.Queue()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// the duplicate was acked away, the completed result stands
	job2, err := env.store.Job().Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, string(api.JobStatusCompleted), job2.Status)
	require.JSONEq(t, `{"equity":0.9}`, string(job2.Result))

	dlq, err := env.broker.ListDLQ(ctx, api.JobTypeSpotSimulation)
	require.NoError(t, err)
	require.Empty(t, dlq)
}
