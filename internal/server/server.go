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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"bountyline/internal/app"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/engine/auth"
	"bountyline/internal/ledger"
	"bountyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_escrow"`
	Message string         `json:"message" example:"insufficient escrow"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"project_id\":1}"`
}

type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

// ProjectPath and EventQuery are embedded in several operation inputs.
type ProjectPath struct {
	ProjectID int64 `path:"project_id"`
}

// New returns an HTTP handler exposing the marketplace API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires an app")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.App.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.App.Logger.Named("http")))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Repo))
	router.Handle("/metrics", cfg.App.Metrics.Handler())

	hcfg := huma.DefaultConfig("Bountyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	a := cfg.App
	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, a)
	registerOperations(group, a)
	registerEvents(group, a)
	registerLedger(group, a)
	registerReputation(group, a)
	registerAPIKeys(group, a)
	registerMe(group, a)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(started)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", msg, map[string]any{"action": fe.Action})
	}
	code := domain.ErrorCode(err)
	switch {
	case errors.Is(err, domain.ErrProjectNotFound):
		return newAPIError(http.StatusNotFound, code, msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrNotAuthorized),
		errors.Is(err, domain.ErrPaymentNotAuthorized):
		return newAPIError(http.StatusForbidden, code, msg, nil)
	case errors.Is(err, domain.ErrInvalidTaskCount),
		errors.Is(err, domain.ErrInvalidReward),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrDeadlineInPast):
		return newAPIError(http.StatusBadRequest, code, msg, nil)
	case errors.Is(err, domain.ErrProjectAlreadyCompleted),
		errors.Is(err, domain.ErrProjectNotFunded),
		errors.Is(err, domain.ErrDeadlineNotReached),
		errors.Is(err, domain.ErrAlreadySubmitted),
		errors.Is(err, domain.ErrNoSubmissionFound),
		errors.Is(err, domain.ErrWrongPayoutMode):
		return newAPIError(http.StatusConflict, code, msg, nil)
	case errors.Is(err, domain.ErrExceedsTaskLimit),
		errors.Is(err, domain.ErrInsufficientEscrow),
		errors.Is(err, domain.ErrInsufficientEscrowFunds),
		errors.Is(err, domain.ErrInsufficientReputation):
		return newAPIError(http.StatusUnprocessableEntity, code, msg, nil)
	case errors.Is(err, domain.ErrTransferFailed),
		errors.Is(err, domain.ErrReputationUnavailable),
		errors.Is(err, domain.ErrEventLogUnavailable):
		return newAPIError(http.StatusBadGateway, code, msg, nil)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_funds", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var operationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusBadGateway,
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>Bountyline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerProjects(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		Description:   "The caller becomes the project's client.",
		DefaultStatus: http.StatusCreated,
		Errors:        operationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*output[OperationResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		mode, err := domain.ParsePayoutMode(input.Body.PayoutMode)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		res, err := a.Registry.CreateProject(ctx, engine.CreateRequest{
			Client:          actorID,
			PayoutMode:      mode,
			TotalTasks:      input.Body.TotalTasks,
			RewardPerTask:   input.Body.RewardPerTask,
			Deadline:        input.Body.Deadline,
			MinReputation:   input.Body.MinReputation,
			ReputationBonus: input.Body.ReputationBonus,
			DatasetURI:      input.Body.DatasetURI,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(operationResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Client string `query:"client"`
		State  string `query:"state" doc:"created, funded, active, completed or refunded"`
	}) (*output[ProjectListResponse], error) {
		if authErr := syncedRead(ctx, a); authErr != nil {
			return nil, authErr
		}
		items := a.Registry.Projects(engine.ProjectFilter{Client: input.Client, State: domain.ProjectState(input.State)})
		return reply(ProjectListResponse{Items: mapProjects(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*output[ProjectResponse], error) {
		if authErr := syncedRead(ctx, a); authErr != nil {
			return nil, authErr
		}
		snap, err := a.Registry.Project(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(projectResponse(snap)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-work",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/work",
		Summary:     "Per-worker earnings on a project",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*output[WorkListResponse], error) {
		if authErr := syncedRead(ctx, a); authErr != nil {
			return nil, authErr
		}
		items, err := a.Registry.Work(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(WorkListResponse{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/submissions",
		Summary:     "Pending submissions awaiting approval",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*output[SubmissionListResponse], error) {
		if authErr := syncedRead(ctx, a); authErr != nil {
			return nil, authErr
		}
		items, err := a.Registry.Pending(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(SubmissionListResponse{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-available-funds",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/funds",
		Summary:     "Escrow not held for pending submissions",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*output[FundsResponse], error) {
		if authErr := syncedRead(ctx, a); authErr != nil {
			return nil, authErr
		}
		free, err := a.Registry.AvailableFunds(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(FundsResponse{ProjectID: input.ProjectID, AvailableFunds: free}), nil
	})
}

// syncedRead authenticates a read and applies writes other processes have
// made to the workspace since the last one.
func syncedRead(ctx context.Context, a *app.App) huma.StatusError {
	if _, err := actorIDFromContext(ctx); err != nil {
		return err
	}
	if _, err := a.Registry.Sync(ctx); err != nil {
		return handleError(err)
	}
	return nil
}

// registerOperations exposes the mutating project operations. The
// authenticated actor is the caller for every one of them.
func registerOperations(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "deposit-funds",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/deposits",
		Summary:     "Deposit funds into escrow",
		Errors:      operationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body DepositRequest `json:"body"`
	}) (*output[OperationResponse], error) {
		return run(ctx, func(actor string) (engine.Result, error) {
			return a.Registry.Deposit(ctx, input.ProjectID, actor, input.Body.Amount)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-and-claim",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/claims",
		Summary:     "Submit completed tasks and get paid immediately",
		Errors:      operationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body ClaimRequest `json:"body"`
	}) (*output[OperationResponse], error) {
		return run(ctx, func(actor string) (engine.Result, error) {
			return a.Registry.SubmitAndClaim(ctx, input.ProjectID, actor, input.Body.TaskCount)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-annotation",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/submissions",
		Summary:     "Submit an annotation for approval",
		Errors:      operationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body SubmitRequest `json:"body"`
	}) (*output[OperationResponse], error) {
		return run(ctx, func(actor string) (engine.Result, error) {
			return a.Registry.SubmitAnnotation(ctx, input.ProjectID, actor, input.Body.URI)
		})
	})

	type workerPath struct {
		ProjectPath
		Worker string `path:"worker"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "approve-annotation",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/submissions/{worker}/approve",
		Summary:     "Approve a pending submission and pay the worker",
		Errors:      operationErrors,
	}, func(ctx context.Context, input *workerPath) (*output[OperationResponse], error) {
		return run(ctx, func(actor string) (engine.Result, error) {
			return a.Registry.Approve(ctx, input.ProjectID, actor, input.Worker)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-annotation",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/submissions/{worker}/reject",
		Summary:     "Reject a pending submission and release its hold",
		Errors:      operationErrors,
	}, func(ctx context.Context, input *workerPath) (*output[OperationResponse], error) {
		return run(ctx, func(actor string) (engine.Result, error) {
			return a.Registry.Reject(ctx, input.ProjectID, actor, input.Worker)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-payout",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/payouts",
		Summary:     "Manual payout from free escrow",
		Errors:      operationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body PayoutRequest `json:"body"`
	}) (*output[OperationResponse], error) {
		return run(ctx, func(actor string) (engine.Result, error) {
			return a.Registry.ApprovePayout(ctx, input.ProjectID, actor, input.Body.Worker, input.Body.Amount)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "refund-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/refund",
		Summary:     "Refund unspent escrow after the deadline",
		Errors:      operationErrors,
	}, func(ctx context.Context, input *ProjectPath) (*output[OperationResponse], error) {
		return run(ctx, func(actor string) (engine.Result, error) {
			return a.Registry.Refund(ctx, input.ProjectID, actor)
		})
	})
}

func run(ctx context.Context, op func(actor string) (engine.Result, error)) (*output[OperationResponse], error) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	res, err := op(actorID)
	if err != nil {
		return nil, handleError(err)
	}
	return reply(operationResponse(res)), nil
}

func operationResponse(res engine.Result) OperationResponse {
	return OperationResponse{
		Project:     projectResponse(res.Project),
		Events:      mapEvents(res.Events),
		Transferred: res.Transferred,
	}
}

type EventQuery struct {
	Type    string `query:"type"`
	ActorID string `query:"actor_id"`
	Limit   int    `query:"limit" default:"50"`
	Cursor  string `query:"cursor" doc:"Return events older than this sequence number"`
}

func listEvents(ctx context.Context, a *app.App, projectID int64, q EventQuery) (*output[paginatedEvents], error) {
	limit := normalizeLimit(q.Limit)
	var cursor int64
	if q.Cursor != "" {
		parsed, err := strconv.ParseInt(q.Cursor, 10, 64)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": q.Cursor})
		}
		cursor = parsed
	}
	items, err := a.Repo.LatestEventsFrom(ctx, limit+1, cursor, repo.EventFilter{ProjectID: projectID, Type: q.Type, ActorID: q.ActorID})
	if err != nil {
		return nil, handleError(err)
	}
	resp := paginatedEvents{Items: []EventResponse{}}
	if len(items) > limit {
		resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		items = items[:limit]
	}
	resp.Items = append(resp.Items, mapEvents(items)...)
	return reply(resp), nil
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-project-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events of a project",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		EventQuery
	}) (*output[paginatedEvents], error) {
		if authErr := syncedRead(ctx, a); authErr != nil {
			return nil, authErr
		}
		if _, err := a.Registry.Project(input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return listEvents(ctx, a, input.ProjectID, input.EventQuery)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events across projects",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *EventQuery) (*output[paginatedEvents], error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return listEvents(ctx, a, 0, *input)
	})
}

func registerLedger(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "mint-tokens",
		Method:      http.MethodPost,
		Path:        "/ledger/mint",
		Summary:     "Issue tokens to an account (owner only)",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body MintRequest `json:"body"`
	}) (*output[AccountResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.Auth.RequireOwner(actorID, "mint tokens"); err != nil {
			return nil, handleError(err)
		}
		if strings.TrimSpace(input.Body.Account) == "" || input.Body.Amount <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "account and a positive amount are required", nil)
		}
		if err := a.Ledger.Mint(ctx, input.Body.Account, input.Body.Amount); err != nil {
			return nil, handleError(err)
		}
		bal, err := a.Ledger.Balance(ctx, input.Body.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(AccountResponse{Account: input.Body.Account, Balance: bal, Entries: []domain.LedgerEntry{}}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/ledger/accounts/{account}",
		Summary:     "Account balance and recent entries",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
		Limit   int    `query:"limit" default:"50"`
	}) (*output[AccountResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.Auth.RequireSelfOrOwner(actorID, input.Account, "read another account"); err != nil {
			return nil, handleError(err)
		}
		bal, err := a.Ledger.Balance(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		entries, err := a.Ledger.Entries(ctx, input.Account, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(AccountResponse{Account: input.Account, Balance: bal, Entries: nonNilSlice(entries)}), nil
	})
}

func registerReputation(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-reputation",
		Method:      http.MethodGet,
		Path:        "/reputation/{identity}",
		Summary:     "Reputation score of an identity",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Identity string `path:"identity"`
	}) (*output[ReputationResponse], error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		score, err := a.Reputation.Reputation(ctx, input.Identity)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ReputationResponse{Identity: input.Identity, Score: score}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-reputation",
		Method:      http.MethodPut,
		Path:        "/reputation/{identity}",
		Summary:     "Set a reputation score (owner only)",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Identity string `path:"identity"`
		Body     SetReputationRequest `json:"body"`
	}) (*output[ReputationResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.Auth.RequireOwner(actorID, "set reputation"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.Score < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "score must not be negative", nil)
		}
		if err := a.Reputation.Set(ctx, input.Identity, input.Body.Score); err != nil {
			return nil, handleError(err)
		}
		return reply(ReputationResponse{Identity: input.Identity, Score: input.Body.Score}), nil
	})
}

func registerAPIKeys(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*output[APIKeyResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target := strings.TrimSpace(input.Body.ActorID)
		if target == "" {
			target = actorID
		}
		if err := a.Auth.RequireSelfOrOwner(actorID, target, "issue keys for another actor"); err != nil {
			return nil, handleError(err)
		}
		key, plain, err := a.Repo.IssueAPIKey(ctx, target, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(apiKeyResponse(key, plain)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List the caller's API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[[]APIKeyResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := a.Repo.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k, ""))
		}
		return reply(out), nil
	})
}

func registerMe(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return reply(WhoAmIResponse{
			ActorID: principal.ActorID,
			Source:  principal.Source,
			Owner:   a.Auth.IsOwner(principal.ActorID),
		}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*output[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, authCfg.TokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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
