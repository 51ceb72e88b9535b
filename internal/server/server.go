package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"fieldwatch/internal/domain"
	"fieldwatch/internal/engine"
	"fieldwatch/internal/logging"
	"fieldwatch/internal/metrics"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *zap.SugaredLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"claim_conflict"`
	Message string         `json:"message" example:"incident inc-1 already claimed by op-2"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"heldBy\":\"op-2\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the fieldwatch API, the live
// websocket channel and prometheus metrics.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := logging.OrNop(cfg.Log)
	if cfg.Auth.Log == nil {
		cfg.Auth.Log = log.Named("auth")
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(metrics.Instrument)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Method != http.MethodGet {
				bodyBytes, _ := io.ReadAll(r.Body)
				r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
				ctx := context.WithValue(r.Context(), requestKey{}, r)
				ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("fieldwatch API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle("/metrics", metrics.Handler())
	router.Handle(path.Join(basePath, "ws"), newLiveHandler(cfg.Engine.Hub, log.Named("live")))
	registerDocs(router, basePath)
	registerHealth(group)
	registerIncidents(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerInsurer(group, cfg.Engine)
	registerKiosk(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerAlerts(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerDevAuth(group, cfg.Engine, cfg.Auth)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var ce domain.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "claim_conflict", err.Error(), map[string]any{"incidentId": ce.IncidentID, "heldBy": ce.HeldBy})
	}
	switch {
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "request cancelled", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Actor-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"actorHeader": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>fieldwatch API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Actor-Id.
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

type incidentOutput struct {
	Body domain.Incident `json:"body"`
}

type incidentListOutput struct {
	Body []domain.Incident `json:"body"`
}

func registerIncidents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-verified-incidents",
		Method:      http.MethodGet,
		Path:        "/incidents",
		Summary:     "List verified incidents",
	}, func(ctx context.Context, _ *struct{}) (*incidentListOutput, error) {
		return &incidentListOutput{Body: nonNilSlice(e.Incidents(true))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-all-incidents",
		Method:      http.MethodGet,
		Path:        "/incidents/all",
		Summary:     "List all incidents",
	}, func(ctx context.Context, _ *struct{}) (*incidentListOutput, error) {
		return &incidentListOutput{Body: nonNilSlice(e.Incidents(false))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-incident",
		Method:      http.MethodGet,
		Path:        "/incidents/{id}",
		Summary:     "Get incident",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*incidentOutput, error) {
		inc, err := e.Incident(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &incidentOutput{Body: inc}, nil
	})
}

type guardedAction func(ctx context.Context, actionID, incidentID string, actor domain.Actor) (domain.Incident, bool, error)

var actionErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerActions(api huma.API, e *engine.Engine) {
	simple := []struct {
		id      string
		segment string
		summary string
		fn      guardedAction
	}{
		{"claim-incident", "claim", "Claim incident", e.Claim},
		{"verify-incident", "verify", "Verify incident", e.Verify},
		{"reject-incident", "reject", "Reject and close incident", e.Reject},
		{"request-info", "request-info", "Request more information from the reporter", e.RequestInfo},
	}
	for _, a := range simple {
		huma.Register(api, huma.Operation{
			OperationID: a.id,
			Method:      http.MethodPost,
			Path:        "/incidents/{id}/" + a.segment,
			Summary:     a.summary,
			Errors:      actionErrors,
		}, func(ctx context.Context, input *struct {
			ID   string        `path:"id"`
			Body ActionRequest `json:"body"`
		}) (*incidentOutput, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			inc, _, err := a.fn(ctx, input.Body.ActionID, input.ID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &incidentOutput{Body: inc}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "add-note",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/note",
		Summary:     "Add a moderator note",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body NoteRequest `json:"body"`
	}) (*incidentOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inc, _, err := e.AddNote(ctx, input.Body.ActionID, input.ID, input.Body.Note, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &incidentOutput{Body: inc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-status",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/status",
		Summary:     "Change incident status",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body StatusRequest `json:"body"`
	}) (*incidentOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inc, _, err := e.SetStatus(ctx, input.Body.ActionID, input.ID, input.Body.Status, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &incidentOutput{Body: inc}, nil
	})
}

func registerInsurer(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-fnol",
		Method:        http.MethodPost,
		Path:          "/insurer/fnol",
		Summary:       "Submit first notice of loss to the insurer",
		DefaultStatus: http.StatusAccepted,
		Errors:        actionErrors,
	}, func(ctx context.Context, input *struct {
		Body FNOLRequest `json:"body"`
	}) (*struct {
		Body FNOLResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inc, _, err := e.SubmitFNOL(ctx, input.Body.ActionID, input.Body.IncidentID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FNOLResponse `json:"body"`
		}{Body: FNOLResponse{Message: "FNOL submitted successfully.", Incident: inc}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "insurer-callback",
		Method:      http.MethodPost,
		Path:        "/insurer/callback",
		Summary:     "Record an insurer decision",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		Body InsurerCallbackRequest `json:"body"`
	}) (*incidentOutput, error) {
		var decision engine.InsurerDecision
		switch input.Body.Status {
		case "":
			decision = e.Decide()
		case string(domain.FnolAccepted):
			decision = engine.InsurerDecision{Accepted: true, ClaimID: input.Body.ClaimID}
		}
		inc, _, err := e.FNOLCallback(ctx, input.Body.ActionID, input.Body.IncidentID, decision)
		if err != nil {
			return nil, handleError(err)
		}
		return &incidentOutput{Body: inc}, nil
	})
}

func registerKiosk(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "kiosk-sync",
		Method:      http.MethodPost,
		Path:        "/kiosk/sync",
		Summary:     "Ingest a batch of offline kiosk reports",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body KioskSyncRequest `json:"body"`
	}) (*struct {
		Body engine.IngestResult `json:"body"`
	}, error) {
		if input.Body.Events == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "Invalid payload. Expected an array of events.", nil)
		}
		batch := make([]engine.KioskEvent, 0, len(input.Body.Events))
		for _, raw := range input.Body.Events {
			// Non-objects become empty events and fail as missing fields.
			ev, _ := raw.(map[string]any)
			batch = append(batch, engine.KioskEvent(ev))
		}
		return &struct {
			Body engine.IngestResult `json:"body"`
		}{Body: e.Ingest(ctx, batch)}, nil
	})
}

type ruleOutput struct {
	Body RuleResponse `json:"body"`
}

func registerRules(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List alert rules",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RuleResponse `json:"body"`
	}, error) {
		return &struct {
			Body []RuleResponse `json:"body"`
		}{Body: mapRules(e.Alerts.Rules())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create alert rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RuleRequest `json:"body"`
	}) (*ruleOutput, error) {
		rule, err := input.Body.rule()
		if err != nil {
			return nil, handleError(err)
		}
		created, err := e.Alerts.CreateRule(rule)
		if err != nil {
			return nil, handleError(err)
		}
		return &ruleOutput{Body: ruleResponse(created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPut,
		Path:        "/rules/{id}",
		Summary:     "Replace alert rule",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body RuleRequest `json:"body"`
	}) (*ruleOutput, error) {
		rule, err := input.Body.rule()
		if err != nil {
			return nil, handleError(err)
		}
		updated, err := e.Alerts.UpdateRule(input.ID, rule)
		if err != nil {
			return nil, handleError(err)
		}
		return &ruleOutput{Body: ruleResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-rule",
		Method:        http.MethodDelete,
		Path:          "/rules/{id}",
		Summary:       "Delete alert rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.Alerts.DeleteRule(input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List alert templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AlertTemplate `json:"body"`
	}, error) {
		return &struct {
			Body []domain.AlertTemplate `json:"body"`
		}{Body: nonNilSlice(e.Alerts.Templates())}, nil
	})
}

func registerAlerts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-alert-logs",
		Method:      http.MethodGet,
		Path:        "/alerts/logs",
		Summary:     "List fired alerts, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AlertLog `json:"body"`
	}, error) {
		return &struct {
			Body []domain.AlertLog `json:"body"`
		}{Body: nonNilSlice(e.Alerts.Logs())}, nil
	})
}

func registerUsers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: nonNilSlice(e.Users())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "current-user",
		Method:      http.MethodGet,
		Path:        "/auth/current",
		Summary:     "Current actor",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: actor}, nil
	})
}

func registerDevAuth(api huma.API, e *engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for a configured user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		user, err := e.User(strings.TrimSpace(input.Body.UserID))
		if err != nil {
			return nil, handleError(err)
		}
		token, err := signDevToken(authCfg.JWTSecret, user.ID, e.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, User: user}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
