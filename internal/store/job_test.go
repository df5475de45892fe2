package store_test

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	api "github.com/rangelab/solverqueue/api/v1alpha1"
	"github.com/rangelab/solverqueue/internal/config"
	st "github.com/rangelab/solverqueue/internal/store"
	"github.com/rangelab/solverqueue/internal/store/model"
)

const (
	insertJobStm          = "INSERT INTO jobs (id, type, status, payload, created_at, updated_at) VALUES ('%s', '%s', '%s', '%s', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);"
	insertJobWithErrorStm = "INSERT INTO jobs (id, type, status, payload, error_message, created_at, updated_at) VALUES ('%s', '%s', '%s', '%s', '%s', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);"
)

var _ = Describe("job store", Ordered, func() {
	var (
		s      st.Store
		gormdb *gorm.DB
	)

	BeforeAll(func() {
		db, err := st.InitDB(config.NewDefault())
		Expect(err).To(BeNil())

		s = st.NewStore(db)
		gormdb = db

		Expect(s.InitialMigration()).To(BeNil())
	})

	AfterAll(func() {
		s.Close()
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM jobs;")
	})

	Context("create", func() {
		It("successfully creates a job in queued state", func() {
			job := model.NewJob(api.JobTypeSpotSimulation, []byte(`{"hands":["AhKh"]}`))

			created, err := s.Job().Create(context.TODO(), job)
			Expect(err).To(BeNil())
			Expect(created.Status).To(Equal(string(api.JobStatusQueued)))
			Expect(created.Result).To(BeNil())
			Expect(created.ErrorMessage).To(BeNil())

			count, err := s.Job().Count(context.TODO())
			Expect(err).To(BeNil())
			Expect(count).To(Equal(int64(1)))
		})

		It("rejects a duplicate job id", func() {
			job := model.NewJob(api.JobTypeSpotSimulation, []byte(`{"hands":["AhKh"]}`))

			_, err := s.Job().Create(context.TODO(), job)
			Expect(err).To(BeNil())

			duplicate := *job
			_, err = s.Job().Create(context.TODO(), &duplicate)
			Expect(err).ToNot(BeNil())
		})
	})

	Context("get", func() {
		It("successfully fetches a job by id", func() {
			jobID := uuid.NewString()
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, jobID, "spot_simulation", "QUEUED", `{"hands":["AhKh"]}`))
			Expect(tx.Error).To(BeNil())

			job, err := s.Job().Get(context.TODO(), uuid.MustParse(jobID))
			Expect(err).To(BeNil())
			Expect(job.Type).To(Equal("spot_simulation"))
			Expect(job.Status).To(Equal("QUEUED"))
		})

		It("returns record not found for an unknown id", func() {
			_, err := s.Job().Get(context.TODO(), uuid.New())
			Expect(err).To(MatchError(st.ErrRecordNotFound))
		})
	})

	Context("transitions", func() {
		It("moves a queued job to running and records the broker task id", func() {
			jobID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, jobID, "spot_simulation", "QUEUED", `{}`))
			Expect(tx.Error).To(BeNil())

			job, err := s.Job().MarkRunning(context.TODO(), jobID, "task-1")
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(string(api.JobStatusRunning)))
			Expect(*job.BrokerTaskID).To(Equal("task-1"))
		})

		It("completes a running job with its result and no error", func() {
			jobID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, jobID, "spot_simulation", "RUNNING", `{}`))
			Expect(tx.Error).To(BeNil())

			job, err := s.Job().MarkCompleted(context.TODO(), jobID, []byte(`{"equity":0.52}`))
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(string(api.JobStatusCompleted)))
			Expect(job.Result).ToNot(BeNil())
			Expect(job.ErrorMessage).To(BeNil())
			Expect(job.Progress).To(Equal(1.0))
		})

		It("fails a running job with an error and no result", func() {
			jobID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, jobID, "spot_simulation", "RUNNING", `{}`))
			Expect(tx.Error).To(BeNil())

			job, err := s.Job().MarkFailed(context.TODO(), jobID, "bad board")
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(string(api.JobStatusFailed)))
			Expect(job.Result).To(BeNil())
			Expect(*job.ErrorMessage).To(Equal("bad board"))
		})

		It("refuses to complete a job that is not running", func() {
			jobID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, jobID, "spot_simulation", "QUEUED", `{}`))
			Expect(tx.Error).To(BeNil())

			_, err := s.Job().MarkCompleted(context.TODO(), jobID, []byte(`{}`))
			Expect(err).To(MatchError(st.ErrIllegalTransition))
		})

		It("never runs a completed job again", func() {
			jobID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, jobID, "spot_simulation", "COMPLETED", `{}`))
			Expect(tx.Error).To(BeNil())

			_, err := s.Job().MarkRunning(context.TODO(), jobID, "task-2")
			Expect(err).To(MatchError(st.ErrIllegalTransition))
		})

		It("lets a new attempt overwrite a failed job", func() {
			jobID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertJobWithErrorStm, jobID, "spot_simulation", "FAILED", `{}`, "first attempt failed"))
			Expect(tx.Error).To(BeNil())

			job, err := s.Job().MarkRunning(context.TODO(), jobID, "task-3")
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(string(api.JobStatusRunning)))
			Expect(job.ErrorMessage).To(BeNil())
		})
	})

	Context("requeue", func() {
		It("requeues a failed job clearing error and progress", func() {
			jobID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertJobWithErrorStm, jobID, "solver_analysis", "FAILED", `{}`, "engine crashed"))
			Expect(tx.Error).To(BeNil())

			job, err := s.Job().Requeue(context.TODO(), jobID, "task-4")
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(string(api.JobStatusQueued)))
			Expect(job.ErrorMessage).To(BeNil())
			Expect(job.Progress).To(Equal(0.0))
			Expect(*job.BrokerTaskID).To(Equal("task-4"))
		})

		It("refuses to requeue a job that is not failed", func() {
			jobID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, jobID, "solver_analysis", "COMPLETED", `{}`))
			Expect(tx.Error).To(BeNil())

			_, err := s.Job().Requeue(context.TODO(), jobID, "task-5")
			Expect(err).To(MatchError(st.ErrIllegalTransition))
		})

		It("returns record not found when requeueing an unknown job", func() {
			_, err := s.Job().Requeue(context.TODO(), uuid.New(), "task-6")
			Expect(err).To(MatchError(st.ErrRecordNotFound))
		})
	})

	Context("progress", func() {
		It("updates progress only while the job is running", func() {
			jobID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, jobID, "spot_simulation", "RUNNING", `{}`))
			Expect(tx.Error).To(BeNil())

			Expect(s.Job().UpdateProgress(context.TODO(), jobID, 0.4)).To(BeNil())

			job, err := s.Job().Get(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.Progress).To(Equal(0.4))
		})
	})

	Context("transactions", func() {
		It("rolls back an uncommitted create", func() {
			txCtx, err := s.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			job := model.NewJob(api.JobTypeSpotSimulation, []byte(`{"hands":["AhKh"]}`))
			_, err = s.Job().Create(txCtx, job)
			Expect(err).To(BeNil())

			_, err = st.Rollback(txCtx)
			Expect(err).To(BeNil())

			_, err = s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(MatchError(st.ErrRecordNotFound))
		})

		It("exposes a committed create outside the transaction", func() {
			txCtx, err := s.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			job := model.NewJob(api.JobTypeSpotSimulation, []byte(`{"hands":["AhKh"]}`))
			_, err = s.Job().Create(txCtx, job)
			Expect(err).To(BeNil())

			_, err = st.Commit(txCtx)
			Expect(err).To(BeNil())

			created, err := s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(created.Status).To(Equal(string(api.JobStatusQueued)))
		})
	})

	Context("list", func() {
		It("lists every job", func() {
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, uuid.NewString(), "spot_simulation", "QUEUED", `{}`))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertJobStm, uuid.NewString(), "solver_analysis", "QUEUED", `{}`))
			Expect(tx.Error).To(BeNil())

			jobs, err := s.Job().List(context.TODO(), nil)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(2))
		})

		It("filters by status and type", func() {
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, uuid.NewString(), "spot_simulation", "QUEUED", `{}`))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertJobStm, uuid.NewString(), "spot_simulation", "COMPLETED", `{}`))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertJobStm, uuid.NewString(), "solver_analysis", "QUEUED", `{}`))
			Expect(tx.Error).To(BeNil())

			jobs, err := s.Job().List(context.TODO(), st.NewJobQueryFilter().ByStatus("QUEUED"))
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(2))

			jobs, err = s.Job().List(context.TODO(), st.NewJobQueryFilter().ByStatus("QUEUED").ByType("spot_simulation"))
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].Type).To(Equal("spot_simulation"))
		})
	})
})
