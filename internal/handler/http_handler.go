package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pesio-ai/be-governance-workflows/internal/common/errors"
	"github.com/pesio-ai/be-governance-workflows/internal/common/logger"
	"github.com/pesio-ai/be-governance-workflows/internal/repository"
)

// BasePath prefixes every governance route.
const BasePath = "/api/v1/governance"

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	api *API
	log *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(api *API, log *logger.Logger) *HTTPHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPHandler{api: api, log: log.Component("http_handler")}
}

// Register mounts the governance routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	a := h.api

	// Approval requests
	mux.HandleFunc(BasePath+"/requests", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			post(h, a.CreateRequest, http.StatusCreated)(w, r)
		case http.MethodGet:
			get(h, a.ListRequests, listRequestsQuery)(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	mux.HandleFunc(BasePath+"/requests/get", get(h, a.GetRequest, idQuery))
	mux.HandleFunc(BasePath+"/requests/pending", get(h, a.ListPending, pendingQuery))
	mux.HandleFunc(BasePath+"/requests/vote", post(h, a.Vote, http.StatusOK))
	mux.HandleFunc(BasePath+"/requests/cancel", post(h, a.CancelRequest, http.StatusOK))
	mux.HandleFunc(BasePath+"/requests/execute", post(h, a.MarkExecuted, http.StatusOK))
	mux.HandleFunc(BasePath+"/requests/history", get(h, a.RequestHistory, idQuery))

	// Playbooks
	mux.HandleFunc(BasePath+"/playbooks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			post(h, a.CreateInstance, http.StatusCreated)(w, r)
		case http.MethodGet:
			get(h, a.ListInstances, listInstancesQuery)(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	mux.HandleFunc(BasePath+"/playbooks/get", get(h, a.GetInstance, idQuery))
	mux.HandleFunc(BasePath+"/playbooks/ready", get(h, a.ReadySteps, idQuery))
	mux.HandleFunc(BasePath+"/playbooks/history", get(h, a.InstanceHistory, idQuery))
	mux.HandleFunc(BasePath+"/playbooks/steps/status", post(h, a.UpdateStepStatus, http.StatusOK))
	mux.HandleFunc(BasePath+"/playbooks/steps/approve", post(h, a.ApproveStep, http.StatusOK))
	mux.HandleFunc(BasePath+"/playbooks/steps/checklist", post(h, a.UpdateChecklistItem, http.StatusOK))
	mux.HandleFunc(BasePath+"/playbooks/steps/attachments", post(h, a.AddAttachment, http.StatusCreated))
	mux.HandleFunc(BasePath+"/playbooks/steps/reassign", post(h, a.ReassignStep, http.StatusOK))
	mux.HandleFunc(BasePath+"/playbooks/pause", post(h, a.PauseInstance, http.StatusOK))
	mux.HandleFunc(BasePath+"/playbooks/resume", post(h, a.ResumeInstance, http.StatusOK))
	mux.HandleFunc(BasePath+"/playbooks/cancel", post(h, a.CancelInstance, http.StatusOK))

	// Catalogues
	mux.HandleFunc(BasePath+"/policies", get(h, a.ListPolicies, func(*http.Request) (Empty, error) { return Empty{}, nil }))
	mux.HandleFunc(BasePath+"/templates", get(h, a.ListTemplates, func(*http.Request) (Empty, error) { return Empty{}, nil }))
	mux.HandleFunc(BasePath+"/templates/next", get(h, a.NextOccurrence, nextOccurrenceQuery))
}

// post decodes a JSON body into T and writes the result with status.
func post[T any](h *HTTPHandler, op func(context.Context, T) (any, error), status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var in T
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
			return
		}
		h.respond(w, r, func(ctx context.Context) (any, error) { return op(ctx, in) }, status)
	}
}

// get builds T from the query string.
func get[T any](h *HTTPHandler, op func(context.Context, T) (any, error), parse func(*http.Request) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		in, err := parse(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.respond(w, r, func(ctx context.Context) (any, error) { return op(ctx, in) }, http.StatusOK)
	}
}

func (h *HTTPHandler) respond(w http.ResponseWriter, r *http.Request, call func(context.Context) (any, error), status int) {
	out, err := call(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, out)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, m := mappingFor(err)
	var body errorBody
	body.Error.Code = string(code)
	if m.http == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		body.Error.Message = "internal error"
	} else {
		body.Error.Message = errorMessage(code, err)
	}
	writeJSON(w, m.http, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// ── Query parsing ────────────────────────────────────────────────────────────

func idQuery(r *http.Request) (IDQuery, error) {
	id := r.URL.Query().Get("id")
	if id == "" {
		return IDQuery{}, errors.InvalidInput("id", "id is required")
	}
	return IDQuery{ID: id}, nil
}

func listRequestsQuery(r *http.Request) (ListRequestsQuery, error) {
	q := r.URL.Query()
	return ListRequestsQuery{
		TenantID:      q.Get("tenant_id"),
		CompanyID:     q.Get("company_id"),
		Status:        repository.RequestStatus(q.Get("status")),
		Domain:        repository.Domain(q.Get("domain")),
		OperationType: repository.OperationType(q.Get("operation_type")),
		RequestedBy:   q.Get("requested_by"),
	}, nil
}

func pendingQuery(r *http.Request) (PendingQuery, error) {
	q := r.URL.Query()
	forMe := false
	if v := q.Get("for_me"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return PendingQuery{}, errors.InvalidInput("for_me", "must be a boolean")
		}
		forMe = b
	}
	return PendingQuery{
		TenantID:      q.Get("tenant_id"),
		CompanyID:     q.Get("company_id"),
		Domain:        repository.Domain(q.Get("domain")),
		OperationType: repository.OperationType(q.Get("operation_type")),
		ForMe:         forMe,
	}, nil
}

func listInstancesQuery(r *http.Request) (ListInstancesQuery, error) {
	q := r.URL.Query()
	return ListInstancesQuery{
		TenantID:   q.Get("tenant_id"),
		CompanyID:  q.Get("company_id"),
		FundID:     q.Get("fund_id"),
		TemplateID: q.Get("template_id"),
		Status:     repository.InstanceStatus(q.Get("status")),
		Owner:      q.Get("owner"),
	}, nil
}

func nextOccurrenceQuery(r *http.Request) (NextOccurrenceQuery, error) {
	q := r.URL.Query()
	in := NextOccurrenceQuery{TemplateID: q.Get("template_id")}
	if in.TemplateID == "" {
		return in, errors.InvalidInput("template_id", "template_id is required")
	}
	if v := q.Get("after"); v != "" {
		after, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return in, errors.InvalidInput("after", "must be an RFC 3339 timestamp")
		}
		in.After = after
	}
	return in, nil
}
