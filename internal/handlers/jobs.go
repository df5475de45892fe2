package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	api "github.com/rangelab/solverqueue/api/v1alpha1"
	"github.com/rangelab/solverqueue/internal/service"
	"github.com/rangelab/solverqueue/pkg/requestid"
)

// JobHandler exposes the submission and status-query services to the API
// layer. All downstream failures are visible only through the status query;
// submission either returns a job id or an immediate validation error.
type JobHandler struct {
	jobSrv *service.JobService
}

func NewJobHandler(jobSrv *service.JobService) *JobHandler {
	return &JobHandler{jobSrv: jobSrv}
}

func (h *JobHandler) Routes(router chi.Router) {
	router.Post("/jobs", h.SubmitJob)
	router.Get("/jobs", h.ListJobs)
	router.Get("/jobs/{id}", h.GetJob)
}

func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := service.ListFilter{
		Status: api.JobStatus(r.URL.Query().Get("status")),
		Type:   api.JobType(r.URL.Query().Get("type")),
	}

	jobs, err := h.jobSrv.List(r.Context(), filter)
	if err != nil {
		switch err.(type) {
		case *service.ErrInvalidJobType, *service.ErrInvalidJobStatus:
			renderError(w, r, http.StatusBadRequest, err.Error())
		default:
			renderError(w, r, http.StatusInternalServerError, "failed to list jobs: "+err.Error())
		}
		return
	}

	render.JSON(w, r, jobs)
}

func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var request api.SubmitJobRequest
	if err := render.DecodeJSON(r.Body, &request); err != nil {
		renderError(w, r, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	job, err := h.jobSrv.Submit(r.Context(), request.Type, request.Payload)
	if err != nil {
		switch err.(type) {
		case *service.ErrInvalidJobType, *service.ErrInvalidPayload:
			renderError(w, r, http.StatusBadRequest, err.Error())
		default:
			renderError(w, r, http.StatusInternalServerError, "failed to submit job: "+err.Error())
		}
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, job)
}

func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, http.StatusBadRequest, "malformed job id")
		return
	}

	job, err := h.jobSrv.Get(r.Context(), id)
	if err != nil {
		switch err.(type) {
		case *service.ErrJobNotFound:
			renderError(w, r, http.StatusNotFound, err.Error())
		default:
			renderError(w, r, http.StatusInternalServerError, "failed to get job: "+err.Error())
		}
		return
	}

	render.JSON(w, r, job)
}

func Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func renderError(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, api.Error{Message: message, RequestId: requestid.FromContextPtr(r.Context())})
}
