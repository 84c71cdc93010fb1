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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"vitrina/internal/domain"
	"vitrina/internal/engine"
	"vitrina/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"no_quota"`
	Message string         `json:"message" example:"no quota available"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// New returns an HTTP handler exposing the Vitrina API.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Vitrina API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerShops(group, cfg.Engine)
	registerQuota(group, cfg.Engine)
	registerStreams(group, cfg.Engine)
	registerReels(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerSanctions(group, cfg.Engine)
	registerLedger(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
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
	if errors.Is(err, engine.ErrNoQuota) {
		return newAPIError(http.StatusUnprocessableEntity, "no_quota", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "suspended"),
		strings.Contains(lowered, "banned"),
		strings.Contains(lowered, "transition"),
		strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
			applyAuthSecurity(oas, basePath)
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Vitrina API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerShops(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-shop",
		Method:        http.MethodPost,
		Path:          "/shops",
		Summary:       "Register shop",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateShopRequest `json:"body"`
	}) (*struct {
		Body ShopResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		shop, err := e.CreateShop(ctx, engine.ShopCreateOptions{
			ID:                input.Body.ID,
			Name:              input.Body.Name,
			Plan:              input.Body.Plan,
			LegacyStreamQuota: input.Body.LegacyStreamQuota,
			LegacyReelQuota:   input.Body.LegacyReelQuota,
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ShopResponse `json:"body"`
		}{Body: shopResponse(shop)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-shops",
		Method:      http.MethodGet,
		Path:        "/shops",
		Summary:     "List shops",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ShopResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListShops(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ShopResponse `json:"body"`
		}{Body: mapShops(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-shop",
		Method:      http.MethodGet,
		Path:        "/shops/{shop_id}",
		Summary:     "Get shop",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ShopID string `path:"shop_id"`
	}) (*struct {
		Body ShopResponse `json:"body"`
	}, error) {
		shop, err := e.Repo.GetShop(ctx, input.ShopID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ShopResponse `json:"body"`
		}{Body: shopResponse(shop)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-shop-plan",
		Method:      http.MethodPatch,
		Path:        "/shops/{shop_id}/plan",
		Summary:     "Change plan tier",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ShopID string         `path:"shop_id"`
		Body   SetPlanRequest `json:"body"`
	}) (*struct {
		Body ShopResponse `json:"body"`
	}, error) {
		if input.Body.Plan == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "plan is required", nil)
		}
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		shop, err := e.SetShopPlan(ctx, input.ShopID, input.Body.Plan, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ShopResponse `json:"body"`
		}{Body: shopResponse(shop)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-shop-suspensions",
		Method:      http.MethodGet,
		Path:        "/shops/{shop_id}/suspensions",
		Summary:     "List agenda suspensions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ShopID string `path:"shop_id"`
	}) (*struct {
		Body []domain.AgendaSuspension `json:"body"`
	}, error) {
		if _, err := e.Repo.GetShop(ctx, input.ShopID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListSuspensions(ctx, input.ShopID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AgendaSuspension `json:"body"`
		}{Body: items}, nil
	})
}

func registerQuota(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-shop-quota",
		Method:      http.MethodGet,
		Path:        "/shops/{shop_id}/quota",
		Summary:     "Reconciled quota snapshots",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ShopID string `path:"shop_id"`
		At     string `query:"at" doc:"Reference time, RFC 3339. Defaults to now."`
	}) (*struct {
		Body QuotaResponse `json:"body"`
	}, error) {
		at := e.Now()
		if input.At != "" {
			parsed, err := time.Parse(time.RFC3339, input.At)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid at timestamp", nil)
			}
			at = parsed
		}
		live, err := e.LiveQuotaSnapshot(ctx, input.ShopID, at)
		if err != nil {
			return nil, handleError(err)
		}
		reel, err := e.ReelQuotaSnapshot(ctx, input.ShopID, at)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuotaResponse `json:"body"`
		}{Body: QuotaResponse{Live: live, Reel: reel}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "credit-shop-quota",
		Method:      http.MethodPost,
		Path:        "/shops/{shop_id}/quota/credit",
		Summary:     "Credit extra balance",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ShopID string        `path:"shop_id"`
		Body   CreditRequest `json:"body"`
	}) (*struct {
		Body domain.QuotaWallet `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CreditExtra(ctx, input.ShopID, input.Body.Resource, input.Body.Amount, input.Body.Reason, engine.ActorAdmin, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QuotaWallet `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "normalize-shop-quota",
		Method:      http.MethodPost,
		Path:        "/shops/{shop_id}/quota/normalize",
		Summary:     "Reconcile wallet and projection",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ShopID string `path:"shop_id"`
	}) (*struct {
		Body domain.QuotaWallet `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		w, err := e.NormalizeWallet(ctx, input.ShopID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QuotaWallet `json:"body"`
		}{Body: w}, nil
	})
}

func registerStreams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "schedule-stream",
		Method:        http.MethodPost,
		Path:          "/streams",
		Summary:       "Schedule a broadcast",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body ScheduleStreamRequest `json:"body"`
	}) (*struct {
		Body StreamResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, _ := principalFromContext(ctx)
		shopID := input.Body.ShopID
		if shopID == "" {
			shopID = principal.ShopID
		}
		s, err := e.ScheduleStream(ctx, engine.StreamScheduleOptions{
			ID:          input.Body.ID,
			ShopID:      shopID,
			Title:       input.Body.Title,
			ScheduledAt: input.Body.ScheduledAt,
			ActorID:     principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StreamResponse `json:"body"`
		}{Body: streamResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-streams",
		Method:      http.MethodGet,
		Path:        "/streams",
		Summary:     "List broadcasts",
	}, func(ctx context.Context, input *struct {
		ShopID string `query:"shop_id"`
		Status string `query:"status"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []StreamResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListStreams(ctx, repo.StreamFilters{
			ShopID: input.ShopID,
			Status: input.Status,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StreamResponse `json:"body"`
		}{Body: mapStreams(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stream",
		Method:      http.MethodGet,
		Path:        "/streams/{stream_id}",
		Summary:     "Get broadcast",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StreamID string `path:"stream_id"`
	}) (*struct {
		Body StreamResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStream(ctx, nil, input.StreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StreamResponse `json:"body"`
		}{Body: streamResponse(s)}, nil
	})

	transition := func(opID, pathSuffix, summary string, apply func(context.Context, string, string) (domain.Stream, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/streams/{stream_id}/" + pathSuffix,
			Summary:     summary,
			Errors:      []int{http.StatusConflict, http.StatusNotFound},
		}, func(ctx context.Context, input *struct {
			StreamID string `path:"stream_id"`
		}) (*struct {
			Body StreamResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			s, err := apply(ctx, input.StreamID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body StreamResponse `json:"body"`
			}{Body: streamResponse(s)}, nil
		})
	}
	transition("start-stream", "start", "Start broadcast", e.StartStream)
	transition("finish-stream", "finish", "Finish broadcast", e.FinishStream)
	transition("cancel-stream", "cancel", "Cancel broadcast", e.CancelStream)

	huma.Register(api, huma.Operation{
		OperationID: "resolve-pending-stream",
		Method:      http.MethodPost,
		Path:        "/streams/{stream_id}/resolve",
		Summary:     "Confirm date for a parked broadcast",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StreamID string                `path:"stream_id"`
		Body     ResolvePendingRequest `json:"body"`
	}) (*struct {
		Body StreamResponse `json:"body"`
	}, error) {
		if input.Body.ScheduledAt == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "scheduled_at is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ResolvePendingStream(ctx, input.StreamID, input.Body.ScheduledAt, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StreamResponse `json:"body"`
		}{Body: streamResponse(s)}, nil
	})
}

func registerReels(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-reel",
		Method:        http.MethodPost,
		Path:          "/reels",
		Summary:       "Publish a reel",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateReelRequest `json:"body"`
	}) (*struct {
		Body domain.Reel `json:"body"`
	}, error) {
		principal, _ := principalFromContext(ctx)
		shopID := input.Body.ShopID
		if shopID == "" {
			shopID = principal.ShopID
		}
		r, err := e.CreateReel(ctx, engine.ReelCreateOptions{
			ID:      input.Body.ID,
			ShopID:  shopID,
			Title:   input.Body.Title,
			ActorID: principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Reel `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reels",
		Method:      http.MethodGet,
		Path:        "/reels",
		Summary:     "List reels",
	}, func(ctx context.Context, input *struct {
		ShopID string `query:"shop_id"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.Reel `json:"body"`
	}, error) {
		items, err := e.Repo.ListReels(ctx, input.ShopID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Reel `json:"body"`
		}{Body: items}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "file-report",
		Method:        http.MethodPost,
		Path:          "/streams/{stream_id}/reports",
		Summary:       "File a viewer report",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StreamID string              `path:"stream_id"`
		Body     CreateReportRequest `json:"body"`
	}) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.AddReport(ctx, input.StreamID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stream-reports",
		Method:      http.MethodGet,
		Path:        "/streams/{stream_id}/reports",
		Summary:     "List reports for a broadcast",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StreamID string `path:"stream_id"`
	}) (*struct {
		Body []domain.Report `json:"body"`
	}, error) {
		if _, err := e.Repo.GetStream(ctx, nil, input.StreamID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListReports(ctx, input.StreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Report `json:"body"`
		}{Body: items}, nil
	})

	review := func(opID, pathSuffix, summary string, apply func(context.Context, string, string) (domain.Report, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/reports/{report_id}/" + pathSuffix,
			Summary:     summary,
			Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
		}, func(ctx context.Context, input *struct {
			ReportID string `path:"report_id"`
		}) (*struct {
			Body domain.Report `json:"body"`
		}, error) {
			if err := requireAdmin(ctx); err != nil {
				return nil, err
			}
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			r, err := apply(ctx, input.ReportID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Report `json:"body"`
			}{Body: r}, nil
		})
	}
	review("validate-report", "validate", "Validate report", e.ValidateReport)
	review("reject-report", "reject", "Reject report", e.RejectReport)
}

func registerSanctions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sanctions",
		Method:      http.MethodPost,
		Path:        "/sanctions/run",
		Summary:     "Run the sanctions sweep",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RunSanctionsRequest `json:"body"`
	}) (*struct {
		Body domain.SanctionsReport `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		asOf := e.Now()
		if input.Body.AsOf != "" {
			parsed, err := time.Parse(time.RFC3339, input.Body.AsOf)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid as_of timestamp", nil)
			}
			asOf = parsed
		}
		report, err := e.RunSanctions(ctx, asOf, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SanctionsReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-shop-transactions",
		Method:      http.MethodGet,
		Path:        "/shops/{shop_id}/transactions",
		Summary:     "Quota transaction ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ShopID   string `path:"shop_id"`
		Resource string `query:"resource"`
		Reason   string `query:"reason"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.QuotaTransaction `json:"body"`
	}, error) {
		if _, err := e.Repo.GetShop(ctx, input.ShopID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListQuotaTransactions(ctx, repo.TransactionFilters{
			ShopID:   input.ShopID,
			Resource: input.Resource,
			Reason:   input.Reason,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.QuotaTransaction `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Lifecycle event log",
	}, func(ctx context.Context, input *struct {
		ShopID     string `query:"shop_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Cursor     int64  `query:"cursor"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		var items []domain.Event
		var err error
		if input.Cursor > 0 {
			items, err = e.Repo.EventsFrom(ctx, limit, input.Cursor, input.ShopID, input.Type, input.EntityKind, input.EntityID)
		} else {
			items, err = e.Repo.LatestEvents(ctx, limit, input.ShopID, input.Type, input.EntityKind, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		raw := uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			Role:      input.Body.Role,
			KeyHash:   repo.HashAPIKey(raw),
			CreatedAt: e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = raw
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		items, err := e.Repo.ListAPIKeys(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			res = append(res, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "deleted"}}, nil
	})
}
