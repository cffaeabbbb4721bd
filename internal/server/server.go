package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"gitdone/internal/domain"
	"gitdone/internal/engine"
	"gitdone/internal/ledger"
	"gitdone/internal/repo"
	"gitdone/internal/tokens"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    *engine.Engine
	BasePath  string
	RateLimit RateLimitConfig
	Logger    *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"token_used"`
	Message string         `json:"message" example:"token already used"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the GitDone API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger.With("component", "http")))
	if cfg.RateLimit.RPS > 0 {
		limiter := NewRateLimiter(cfg.RateLimit)
		router.Use(limiter.Middleware(basePath))
	}
	hcfg := huma.DefaultConfig("GitDone API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerEvents(group, e)
	registerStepLinks(group, e)
	registerCompletion(group, e)
	registerManagement(group, e)
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
	switch {
	case errors.Is(err, tokens.ErrInvalidToken):
		return newAPIError(http.StatusUnauthorized, "invalid_token", err.Error(), nil)
	case errors.Is(err, tokens.ErrExpired):
		return newAPIError(http.StatusGone, "token_expired", err.Error(), nil)
	case errors.Is(err, tokens.ErrAlreadyUsed):
		return newAPIError(http.StatusConflict, "token_used", err.Error(), nil)
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var nf domain.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind})
	}
	var ise domain.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"status": ise.Status})
	}
	var fe domain.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var te domain.TransientIOError
	if errors.As(err, &te) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "temporarily unavailable", map[string]any{"op": te.Op})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "invalid_token"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
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
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>GitDone API Docs</title>
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
      Completion and management endpoints take the token from the emailed link as a path segment.
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

type eventPath struct {
	EventID string `path:"event_id"`
}

type tokenPath struct {
	Token string `path:"token"`
}

type exportResponse struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Create event",
		Description:   "Creates the event, sends completion links for the steps that can start and mails the owner a summary.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateEventRequest `json:"body"`
	}) (*struct {
		Body engine.EventView `json:"body"`
	}, error) {
		ev, err := e.CreateEvent(ctx, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.EventView `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}",
		Summary:     "Get event with progress and ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body engine.EventView `json:"body"`
	}, error) {
		ev, err := e.GetEvent(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.EventView `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "event-timeline",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/timeline",
		Summary:     "Ledger entries in completion order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body []engine.TimelineEntry `json:"body"`
	}, error) {
		items, err := e.Timeline(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.TimelineEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-event",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/export",
		Summary:     "Download the event as json or csv",
		Description: "json carries the event, its steps and the ledger timeline; csv has one row per step.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
		Format  string `query:"format" enum:"json,csv" default:"json"`
	}) (*exportResponse, error) {
		out, err := e.Export(ctx, input.EventID, input.Format)
		if err != nil {
			return nil, handleError(err)
		}
		return &exportResponse{
			ContentType:        out.ContentType,
			ContentDisposition: fmt.Sprintf("attachment; filename=%q", out.Filename),
			Body:               out.Body,
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-ledger",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/ledger/verify",
		Summary:     "Recompute the event's hash chain",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body LedgerVerifyResponse `json:"body"`
	}, error) {
		n, err := e.VerifyLedger(ctx, input.EventID)
		resp := LedgerVerifyResponse{EventID: input.EventID, Entries: n, Valid: err == nil}
		if err != nil {
			if !errors.Is(err, ledger.ErrBrokenChain) {
				return nil, handleError(err)
			}
			resp.Error = err.Error()
		}
		return &struct {
			Body LedgerVerifyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "event-activity",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/activity",
		Summary:     "Activity log for an event",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedActivity `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEvent(ctx, input.EventID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(domain.NotFoundError{Kind: "event", ID: input.EventID})
			}
			return nil, handleError(domain.TransientIOError{Op: "load event", Err: err})
		}
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.ActivityAfter(ctx, limit+1, cursor, input.EventID)
		if err != nil {
			return nil, handleError(domain.TransientIOError{Op: "list activity", Err: err})
		}
		resp := paginatedActivity{}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = nonNilSlice(items)
		return &struct {
			Body paginatedActivity `json:"body"`
		}{Body: resp}, nil
	})
}

func registerStepLinks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "send-step-link",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/steps/{step_id}/link",
		Summary:     "Send a fresh completion link to the step's vendor",
		Description: "The link goes to the vendor's inbox only; the token is never returned.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID string          `path:"event_id"`
		StepID  string          `path:"step_id"`
		Body    SendLinkRequest `json:"body"`
	}) (*struct {
		Body SendLinkResponse `json:"body"`
	}, error) {
		issued, err := e.IssueStepToken(ctx, input.EventID, input.StepID, input.Body.VendorEmail)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SendLinkResponse `json:"body"`
		}{Body: SendLinkResponse{Sent: true, ExpiresAt: issued.Claims.ExpiresAt.Time}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "token-status",
		Method:      http.MethodGet,
		Path:        "/tokens/{token}/status",
		Summary:     "Report whether a link is valid, used or expired",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *tokenPath) (*struct {
		Body tokens.Status `json:"body"`
	}, error) {
		st, err := e.TokenStatus(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body tokens.Status `json:"body"`
		}{Body: st}, nil
	})
}

func registerCompletion(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-completion",
		Method:      http.MethodGet,
		Path:        "/complete/{token}",
		Summary:     "Show the step a completion link is for",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *tokenPath) (*struct {
		Body engine.StepTokenInfo `json:"body"`
	}, error) {
		info, err := e.ValidateStepToken(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StepTokenInfo `json:"body"`
		}{Body: info}, nil
	})

	maxFiles := e.Config.Evidence.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 10
	}
	maxSize := int64(e.Config.Evidence.MaxSizeMB) << 20
	if maxSize <= 0 {
		maxSize = 25 << 20
	}
	huma.Register(api, huma.Operation{
		OperationID: "complete-step",
		Method:      http.MethodPost,
		Path:        "/complete/{token}",
		Summary:     "Complete a step with evidence",
		Description: "Consumes the link, records the ledger entry and starts the steps that become eligible.",
		// base64 inflates payloads by a third.
		MaxBodyBytes: maxSize*int64(maxFiles)*4/3 + 1<<20,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Token string              `path:"token"`
		Body  CompleteStepRequest `json:"body"`
	}) (*struct {
		Body engine.CompletionResult `json:"body"`
	}, error) {
		res, err := e.CompleteStep(ctx, engine.CompleteInput{
			Token:    input.Token,
			Files:    input.Body.uploads(),
			Comments: input.Body.Comments,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res.Triggered = nonNilSlice(res.Triggered)
		return &struct {
			Body engine.CompletionResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerManagement(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "send-management-links",
		Method:      http.MethodPost,
		Path:        "/manage/links",
		Summary:     "Mail the owner a management link for each of their events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ManagementLinksRequest `json:"body"`
	}) (*struct {
		Body SentCountResponse `json:"body"`
	}, error) {
		links, err := e.SendManagementLinks(ctx, input.Body.OwnerEmail)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SentCountResponse `json:"body"`
		}{Body: SentCountResponse{Sent: len(links)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-managed-event",
		Method:      http.MethodGet,
		Path:        "/manage/{token}",
		Summary:     "View an event through a management link",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusGone},
	}, func(ctx context.Context, input *tokenPath) (*struct {
		Body engine.ManagementView `json:"body"`
	}, error) {
		mv, err := e.ValidateManagementToken(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ManagementView `json:"body"`
		}{Body: mv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-managed-event",
		Method:      http.MethodPatch,
		Path:        "/manage/{token}",
		Summary:     "Edit an event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
		},
	}, func(ctx context.Context, input *struct {
		Token string             `path:"token"`
		Body  UpdateEventRequest `json:"body"`
	}) (*struct {
		Body engine.EventView `json:"body"`
	}, error) {
		ev, err := e.UpdateEvent(ctx, input.Token, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.EventView `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-managed-step",
		Method:        http.MethodPost,
		Path:          "/manage/{token}/steps",
		Summary:       "Append a step",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		Token string      `path:"token"`
		Body  StepRequest `json:"body"`
	}) (*struct {
		Body domain.Step `json:"body"`
	}, error) {
		st, err := e.AddStepViaManagement(ctx, input.Token, input.Body.spec())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Step `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-reminders",
		Method:      http.MethodPost,
		Path:        "/manage/{token}/reminders",
		Summary:     "Re-send completion links for every open step",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusGone},
	}, func(ctx context.Context, input *tokenPath) (*struct {
		Body SentCountResponse `json:"body"`
	}, error) {
		n, err := e.SendReminders(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SentCountResponse `json:"body"`
		}{Body: SentCountResponse{Sent: n}}, nil
	})
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
