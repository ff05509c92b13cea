package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"collabflow/internal/engine"
	"collabflow/internal/monitor"
	"collabflow/internal/repo"
	"collabflow/internal/status"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Monitor  monitor.Monitor
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"illegal transition pending_sample -> settlement_completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Collabflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Collabflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPlans(group, cfg.Engine)
	registerRecords(group, cfg.Engine)
	registerTransition(group, cfg.Engine)
	registerStatusLog(group, cfg.Engine)
	registerMonitoring(group, cfg.Monitor)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine outcomes onto the error envelope. All four
// engine error classes are recoverable; none escapes as a bare 500.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ise engine.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"record_status": ise.RecordStatus,
		})
	}
	var ite engine.IllegalTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusUnprocessableEntity, "illegal_transition", err.Error(), map[string]any{
			"suggested_next_statuses": statusStrings(ite.Suggested),
		})
	}
	if errors.Is(err, engine.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"retryable": true})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Collabflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List plans",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PlanResponse `json:"body"`
	}, error) {
		plans, err := e.Repo.ListPlans(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PlanResponse, 0, len(plans))
		for _, p := range plans {
			rules, err := e.Repo.ListSLARules(ctx, p.ID)
			if err != nil {
				return nil, handleError(err)
			}
			out = append(out, planResponse(p, rules))
		}
		return &struct {
			Body []PlanResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{id}",
		Summary:     "Get plan with its SLA rules",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetPlan(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		rules, err := e.Repo.ListSLARules(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p, rules)}, nil
	})
}

func registerRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-record",
		Method:        http.MethodPost,
		Path:          "/records",
		Summary:       "Create fulfillment record",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRecordRequest `json:"body"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		if input.Body.PlanID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "plan_id is required", nil)
		}
		operatorID, authErr := operatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateRecordOptions{
			PlanID:     input.Body.PlanID,
			OperatorID: operatorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Subject != nil {
			opts.Subject = *input.Body.Subject
		}
		if input.Body.Priority != nil {
			opts.Priority = *input.Body.Priority
		}
		rec, err := e.CreateRecord(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: recordResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List fulfillment records",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PlanID       string `query:"plan_id"`
		Status       string `query:"status"`
		Priority     string `query:"priority"`
		RecordStatus string `query:"record_status"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedRecords `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.RecordFilters{
			PlanID:          input.PlanID,
			Status:          input.Status,
			Priority:        input.Priority,
			RecordStatus:    input.RecordStatus,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		records, err := e.Repo.ListRecords(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRecords{Items: []RecordResponse{}}
		if len(records) > limit {
			resp.NextCursor = composeCursor(records[limit].CreatedAt, records[limit].ID)
			records = records[:limit]
		}
		resp.Items = mapRecords(records)
		return &struct {
			Body paginatedRecords `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record-status",
		Method:      http.MethodGet,
		Path:        "/records/{id}/status",
		Summary:     "Record status detail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body StatusInfoResponse `json:"body"`
	}, error) {
		info, err := e.GetStatusInfo(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		rules, err := e.Repo.ListSLARules(ctx, info.Plan.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusInfoResponse `json:"body"`
		}{Body: StatusInfoResponse{
			Record:       recordResponse(info.Record),
			Plan:         planResponse(info.Plan, rules),
			NextStatuses: statusStrings(info.NextPossible),
			CurrentSLA:   currentSLAResponse(info.CurrentSLA),
		}}, nil
	})
}

func registerTransition(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-record",
		Method:      http.MethodPost,
		Path:        "/records/{id}/transition",
		Summary:     "Transition a record to a new status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID    string            `path:"id"`
		Force bool              `query:"force"`
		Body  TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		operatorID, authErr := operatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		to, err := status.Parse(input.Body.ToStatus)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		req := engine.TransitionRequest{
			RecordID:   input.ID,
			To:         to,
			OperatorID: operatorID,
		}
		if input.Force {
			req.Mode = engine.Forced
		}
		if input.Body.Reason != nil {
			req.Reason = *input.Body.Reason
		}
		if input.Body.Remarks != nil {
			req.Remarks = *input.Body.Remarks
		}
		res, err := e.Transition(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})
}

func registerStatusLog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-status-log",
		Method:      http.MethodGet,
		Path:        "/records/{id}/log",
		Summary:     "Record transition history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		Page     int    `query:"page" default:"1"`
		PageSize int    `query:"page_size" default:"50"`
	}) (*struct {
		Body StatusLogPageResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRecord(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListLogByRecord(ctx, input.ID, input.Page, input.PageSize)
		if err != nil {
			return nil, handleError(err)
		}
		total, err := e.Repo.CountLogByRecord(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		stats, err := e.Repo.AggregateLogStats(ctx, repo.LogStatFilters{RecordID: input.ID})
		if err != nil {
			return nil, handleError(err)
		}
		page := input.Page
		if page < 1 {
			page = 1
		}
		pageSize := input.PageSize
		if pageSize <= 0 {
			pageSize = 50
		}
		return &struct {
			Body StatusLogPageResponse `json:"body"`
		}{Body: StatusLogPageResponse{
			Entries: mapLogEntries(entries),
			Stats:   stats,
			Pagination: PaginationResponse{
				Page:     page,
				PageSize: pageSize,
				Total:    total,
			},
		}}, nil
	})
}

func registerMonitoring(api huma.API, m monitor.Monitor) {
	huma.Register(api, huma.Operation{
		OperationID: "monitoring",
		Method:      http.MethodGet,
		Path:        "/monitoring",
		Summary:     "Fleet monitoring views",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Mode string `query:"mode" default:"overview" enum:"overview,overdue,stats,report"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		var payload any
		var err error
		switch input.Mode {
		case "", "overview":
			payload, err = m.Overview(ctx)
		case "overdue":
			payload, err = m.OverdueList(ctx)
		case "stats":
			payload, err = m.Stats(ctx)
		case "report":
			payload, err = m.Report(ctx)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown mode %q", input.Mode), nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"mode": modeOrDefault(input.Mode), "data": payload}}, nil
	})
}

func modeOrDefault(mode string) string {
	if mode == "" {
		return "overview"
	}
	return mode
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
