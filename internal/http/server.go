package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/fluxo-kt/aza-pg-sub008/internal/log"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/models"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/queue"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/service"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/storage"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validate = validator.New()

func StartServer(port string, store storage.Store, q queue.Queue) error {
	svc := service.NewWorkflowService(store, q, log.GetLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/flows", FlowsHandler(svc))
	mux.HandleFunc("/flows/", FlowBySlugHandler(svc))
	mux.HandleFunc("/runs", RunsHandler(svc))
	mux.HandleFunc("/runs/", RunByIDHandler(svc))

	log.GetLogger().Infof("Starting flowd server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "flowd server is running")
}

type createFlowRequest struct {
	FlowSlug    string `json:"flow_slug" validate:"required,max=128"`
	MaxAttempts int    `json:"max_attempts" validate:"gte=0"`
	BaseDelay   int    `json:"base_delay" validate:"gte=0"`
	Timeout     int    `json:"timeout" validate:"gte=0"`
}

type addStepRequest struct {
	StepSlug string   `json:"step_slug" validate:"required,max=128"`
	StepType string   `json:"step_type" validate:"omitempty,oneof=single map"`
	DepSlugs []string `json:"deps_slugs"`

	MaxAttempts *int `json:"max_attempts,omitempty" validate:"omitempty,gte=0"`
	BaseDelay   *int `json:"base_delay,omitempty" validate:"omitempty,gte=0"`
	Timeout     *int `json:"timeout,omitempty" validate:"omitempty,gt=0"`
	StartDelay  *int `json:"start_delay,omitempty" validate:"omitempty,gte=0"`
}

type startRunRequest struct {
	FlowSlug string          `json:"flow_slug" validate:"required,max=128"`
	Input    json.RawMessage `json:"input" validate:"required"`
	RunID    string          `json:"run_id,omitempty" validate:"omitempty,uuid4"`
}

func FlowsHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			listFlowsHTTP(w, svc)
		case http.MethodPost:
			createFlowHTTP(w, r, svc)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

// FlowBySlugHandler serves GET /flows/{slug} and POST /flows/{slug}/steps.
func FlowBySlugHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/flows/")
		parts := strings.Split(strings.Trim(rest, "/"), "/")
		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			getFlowHTTP(w, svc, parts[0])
		case len(parts) == 2 && parts[1] == "steps" && r.Method == http.MethodPost:
			addStepHTTP(w, r, svc, parts[0])
		default:
			writeError(w, http.StatusNotFound, "Not found")
		}
	}
}

func RunsHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		startRunHTTP(w, r, svc)
	}
}

// RunByIDHandler serves GET /runs/{id}, returning the run together with
// all of its step states.
func RunByIDHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		runID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/runs/"), "/")
		if runID == "" {
			writeError(w, http.StatusBadRequest, "Missing run id")
			return
		}
		run, err := svc.GetRunWithStates(runID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, fmt.Sprintf("Run '%s' not found", runID))
				return
			}
			log.GetLogger().Errorf("Failed to get run %s: %v", runID, err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get run: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func createFlowHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService) {
	var req createFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}
	flow, err := svc.CreateFlow(req.FlowSlug, req.MaxAttempts, req.BaseDelay, req.Timeout)
	if err != nil {
		if errors.Is(err, service.ErrInvalidSlug) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.GetLogger().Errorf("Failed to create flow: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create flow: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func addStepHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService, flowSlug string) {
	var req addStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}
	stepType := models.SingleStepType
	if req.StepType != "" {
		stepType = models.StepType(req.StepType)
	}
	opts := service.StepOptions{
		MaxAttempts: req.MaxAttempts,
		BaseDelay:   req.BaseDelay,
		Timeout:     req.Timeout,
		StartDelay:  req.StartDelay,
	}
	step, err := svc.AddStep(flowSlug, req.StepSlug, req.DepSlugs, opts, stepType)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, fmt.Sprintf("Flow '%s' not found", flowSlug))
		case errors.Is(err, service.ErrInvalidSlug),
			errors.Is(err, service.ErrInvalidMapArity),
			errors.Is(err, service.ErrUnknownDependency),
			errors.Is(err, service.ErrCycleDetected):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.GetLogger().Errorf("Failed to add step: %v", err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to add step: %v", err))
		}
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func startRunHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}
	run, err := svc.StartFlow(r.Context(), req.FlowSlug, req.Input, req.RunID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, fmt.Sprintf("Flow '%s' not found", req.FlowSlug))
		case errors.Is(err, service.ErrRootMapInputNotArray):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.GetLogger().Errorf("Failed to start flow: %v", err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start flow: %v", err))
		}
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func getFlowHTTP(w http.ResponseWriter, svc *service.WorkflowService, slug string) {
	flow, err := svc.GetFlow(slug)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Flow '%s' not found", slug))
			return
		}
		log.GetLogger().Errorf("Failed to get flow %s: %v", slug, err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get flow: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func listFlowsHTTP(w http.ResponseWriter, svc *service.WorkflowService) {
	flows, err := svc.ListFlows()
	if err != nil {
		log.GetLogger().Errorf("Failed to list flows: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list flows: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, flows)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
