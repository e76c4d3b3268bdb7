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
	"github.com/go-chi/chi/v5/middleware"

	"ledgerview/internal/domain"
	"ledgerview/internal/engine"
	"ledgerview/internal/repo"
	"ledgerview/internal/store"
	"ledgerview/internal/txlife"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
	// Callbacks posts completed_url/failed_url callbacks; a default poster is used when nil.
	Callbacks *CallbackPoster
	Log       *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"correlation_miss"`
	Message string         `json:"message" example:"correlation miss: broadcasted signal for temp:k1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type api struct {
	engine    *engine.Engine
	repo      repo.Repo
	callbacks *CallbackPoster
	log       *slog.Logger
}

// New returns an HTTP handler exposing the ledgerview API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	poster := cfg.Callbacks
	if poster == nil {
		poster = &CallbackPoster{Log: log}
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Ledgerview API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hapi := humachi.New(router, hcfg)
	group := huma.NewGroup(hapi, basePath)

	a := &api{engine: cfg.Engine, repo: cfg.Repo, callbacks: poster, log: log}
	registerDocs(router, basePath)
	registerHealth(group)
	a.registerState(group)
	a.registerEvents(group)
	a.registerLoad(group)
	a.registerTransactions(group)
	a.registerJournal(group)
	registerOpenAPI(router, hapi, basePath, cfg.Auth.enabled())

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
	var miss *txlife.CorrelationMissError
	if errors.As(err, &miss) {
		return newAPIError(http.StatusNotFound, "correlation_miss", err.Error(), map[string]any{"signal": miss.Signal, "key": miss.Key.String()})
	}
	var unknown domain.UnknownKindError
	if errors.As(err, &unknown) {
		return newAPIError(http.StatusBadRequest, "unknown_event_kind", err.Error(), map[string]any{"kind": unknown.Kind})
	}
	switch {
	case errors.Is(err, txlife.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, txlife.ErrHashConflict):
		return newAPIError(http.StatusConflict, "hash_conflict", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, store.ErrClosed):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func badRequest(msg string) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func subject(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok {
		return p.Subject
	}
	return "anonymous"
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			if secured {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Ledgerview API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
      };
    </script>
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

func (a *api) registerState(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-state",
		Method:      http.MethodGet,
		Path:        "/state",
		Summary:     "Current reconciled snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body store.Snapshot `json:"body"`
	}, error) {
		return &struct {
			Body store.Snapshot `json:"body"`
		}{Body: a.engine.Snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/transactions",
		Summary:     "Transaction log, oldest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.TransactionRecord `json:"body"`
	}, error) {
		txs := a.engine.Snapshot().Transactions
		if txs == nil {
			txs = []domain.TransactionRecord{}
		}
		return &struct {
			Body []domain.TransactionRecord `json:"body"`
		}{Body: txs}, nil
	})
}

func (a *api) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "post-event",
		Method:      http.MethodPost,
		Path:        "/events",
		Summary:     "Reconcile one contract event",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body    EventRequest
		RawBody []byte
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		env, err := decodeEventBody(input.RawBody)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		evt, err := domain.DecodeEnvelope(env)
		if err != nil {
			var unknown domain.UnknownKindError
			if errors.As(err, &unknown) {
				return nil, handleError(err)
			}
			return nil, badRequest(err.Error())
		}
		d, err := a.engine.OnEvent(ctx, evt)
		if err != nil {
			return nil, handleError(err)
		}
		a.log.DebugContext(ctx, "event posted", "kind", evt.Kind(), "accepted", d.Accepted, "subject", subject(ctx))
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d, a.engine.Snapshot().Version)}, nil
	})
}

type commitOutput struct {
	Body CommitResponse `json:"body"`
}

func (a *api) registerLoad(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "load-state",
		Method:      http.MethodPost,
		Path:        "/load",
		Summary:     "Bulk load fetched state in one batch",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body LoadRequest
	}) (*commitOutput, error) {
		updates, err := input.Body.updates()
		if err != nil {
			return nil, badRequest(err.Error())
		}
		snap, err := a.engine.Load(ctx, updates...)
		if err != nil {
			return nil, handleError(err)
		}
		return &commitOutput{Body: CommitResponse{Updates: len(updates), Version: snap.Version}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "enrich-message",
		Method:      http.MethodPost,
		Path:        "/messages/{id}/content",
		Summary:     "Fill in the content of a stub message",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body domain.MessageContent
	}) (*commitOutput, error) {
		snap, err := a.engine.EnrichMessage(ctx, input.ID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &commitOutput{Body: CommitResponse{Updates: 1, Version: snap.Version}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-token-opat",
		Method:      http.MethodPost,
		Path:        "/tokens/{address}/opat",
		Summary:     "Flag a token as an OPAT",
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*commitOutput, error) {
		snap, err := a.engine.MarkTokenOPAT(ctx, domain.Address(input.Address))
		if err != nil {
			return nil, handleError(err)
		}
		return &commitOutput{Body: CommitResponse{Updates: 1, Version: snap.Version}}, nil
	})
}

type transitionOutput struct {
	Body TransitionResponse `json:"body"`
}

func (a *api) transition(tr txlife.Transition, err error) (*transitionOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &transitionOutput{Body: transitionResponse(tr)}, nil
}

func (a *api) registerTransactions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions",
		Summary:     "Record a sent transaction",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequest
	}) (*transitionOutput, error) {
		if strings.TrimSpace(input.Body.Method) == "" {
			return nil, badRequest("method required")
		}
		return a.transition(a.engine.Submit(ctx, domain.Intent{
			Contract: input.Body.Contract,
			Method:   input.Body.Method,
			Args:     input.Body.Args,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "enrich-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{temp_key}/enrich",
		Summary:     "Attach display text and callbacks",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TempKey string `path:"temp_key"`
		Body    EnrichRequest
	}) (*transitionOutput, error) {
		recordID := input.TempKey
		if _, rec, ok := txlife.Find(a.engine.Snapshot().Transactions, txlife.Temp(input.TempKey)); ok {
			recordID = rec.ID
		}
		cbs, err := a.callbacks.callbacks(recordID, input.Body)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		return a.transition(a.engine.Enrich(ctx, input.TempKey, input.Body.MethodStr, input.Body.DisplayStr, cbs))
	})

	huma.Register(api, huma.Operation{
		OperationID: "broadcast-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{temp_key}/broadcasted",
		Summary:     "Record the network hash of a transaction",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TempKey string `path:"temp_key"`
		Body    BroadcastedRequest
	}) (*transitionOutput, error) {
		if strings.TrimSpace(input.Body.TxHash) == "" {
			return nil, badRequest("tx_hash required")
		}
		return a.transition(a.engine.Broadcasted(ctx, input.TempKey, input.Body.TxHash))
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{temp_key}/failed",
		Summary:     "Record a transaction failure",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TempKey string `path:"temp_key"`
		Body    FailedRequest
	}) (*transitionOutput, error) {
		return a.transition(a.engine.Failed(ctx, input.TempKey, domain.TxError{Message: input.Body.Message, Code: input.Body.Code}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "post-receipt",
		Method:      http.MethodPost,
		Path:        "/receipts/{tx_hash}",
		Summary:     "Record a successful receipt",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TxHash string `path:"tx_hash"`
		Body   ReceiptRequest
	}) (*transitionOutput, error) {
		receipt, err := input.Body.receipt(input.TxHash)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		return a.transition(a.engine.Succeeded(ctx, input.TxHash, receipt))
	})

	huma.Register(api, huma.Operation{
		OperationID: "post-dry-run-failure",
		Method:      http.MethodPost,
		Path:        "/dry-run-failures",
		Summary:     "Record a transaction rejected before submission",
	}, func(ctx context.Context, input *struct {
		Body DryRunFailureRequest
	}) (*transitionOutput, error) {
		return a.transition(a.engine.DryRunFailed(ctx, input.Body.MethodStr, input.Body.DisplayStr, input.Body.Reason))
	})
}

func (a *api) registerJournal(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-journal",
		Method:      http.MethodGet,
		Path:        "/journal",
		Summary:     "List journal entries, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type" doc:"exact type, or a prefix ending in '*'"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedJournal `json:"body"`
	}, error) {
		resp := paginatedJournal{Items: []JournalEntryResponse{}}
		if a.repo.DB == nil {
			return &struct {
				Body paginatedJournal `json:"body"`
			}{Body: resp}, nil
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := a.repo.LatestEntries(ctx, limit+1, cursorID, journalFilter(input.Type))
		if err != nil {
			return nil, handleError(err)
		}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, e := range items {
			resp.Items = append(resp.Items, journalEntryResponse(e))
		}
		return &struct {
			Body paginatedJournal `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-journal-entry",
		Method:      http.MethodGet,
		Path:        "/journal/{id}",
		Summary:     "Get one journal entry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body JournalEntryResponse `json:"body"`
	}, error) {
		if a.repo.DB == nil {
			return nil, handleError(repo.ErrNotFound)
		}
		e, err := a.repo.GetEntry(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JournalEntryResponse `json:"body"`
		}{Body: journalEntryResponse(e)}, nil
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
