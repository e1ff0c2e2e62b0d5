// Package server exposes the workflow engine over HTTP. Handlers are
// thin: authenticate, call the engine with the principal's actor id,
// map the typed workflow error to a status envelope.
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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"doorline/internal/domain"
	"doorline/internal/repo"
	"doorline/internal/workflow"
)

type Config struct {
	Engine   *workflow.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"door already has an inspection in progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Doorline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Doorline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDoors(group, cfg.Engine)
	registerInspections(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerActors(group, cfg.Engine)
	registerDocument(router, basePath, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

// handleError maps workflow error codes onto the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch workflow.CodeOf(err) {
	case workflow.CodeNotFound:
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case workflow.CodeConflict:
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case workflow.CodePreconditionFailed:
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", msg, nil)
	case workflow.CodeUnauthorized:
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case workflow.CodeStorageError:
		return newAPIError(http.StatusBadGateway, "storage_error", msg, nil)
	case workflow.CodeTransient:
		return newAPIError(http.StatusServiceUnavailable, "transient", msg, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
		return "precondition_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
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

func registerDoors(api huma.API, e *workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-door",
		Method:        http.MethodPost,
		Path:          "/doors",
		Summary:       "Register door",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterDoorRequest `json:"body"`
	}) (*struct {
		Body domain.Door `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.SerialNo) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "serial_no is required", nil)
		}
		door, err := e.RegisterDoor(ctx, actorID, domain.Door{
			SerialNo:    input.Body.SerialNo,
			DrawingNo:   input.Body.DrawingNo,
			WidthMM:     input.Body.WidthMM,
			HeightMM:    input.Body.HeightMM,
			PressureKPA: input.Body.PressureKPA,
			Location:    input.Body.Location,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Door `json:"body"`
		}{Body: door}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-doors",
		Method:      http.MethodGet,
		Path:        "/doors",
		Summary:     "List doors",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		InspectionStatus    string `query:"inspection_status"`
		CertificationStatus string `query:"certification_status"`
		Limit               int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Door `json:"body"`
	}, error) {
		doors, err := e.Repo.ListDoors(ctx, repo.DoorFilters{
			InspectionStatus:    input.InspectionStatus,
			CertificationStatus: input.CertificationStatus,
			Limit:               input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if doors == nil {
			doors = []domain.Door{}
		}
		return &struct {
			Body []domain.Door `json:"body"`
		}{Body: doors}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-door",
		Method:      http.MethodGet,
		Path:        "/doors/{door_id}",
		Summary:     "Door status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DoorID string `path:"door_id"`
	}) (*struct {
		Body workflow.DoorStatus `json:"body"`
	}, error) {
		status, err := e.Status(ctx, input.DoorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workflow.DoorStatus `json:"body"`
		}{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "door-log",
		Method:      http.MethodGet,
		Path:        "/doors/{door_id}/log",
		Summary:     "Door workflow log",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DoorID string `path:"door_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor int64  `query:"cursor"`
	}) (*struct {
		Body TrailResponse `json:"body"`
	}, error) {
		entries, err := e.Trail(ctx, input.DoorID, input.Limit, input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := TrailResponse{Items: entries}
		if resp.Items == nil {
			resp.Items = []domain.LogEntry{}
		}
		if n := len(entries); n > 0 && input.Limit > 0 && n == input.Limit {
			resp.NextCursor = entries[n-1].ID
		}
		return &struct {
			Body TrailResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "checklist-template",
		Method:      http.MethodGet,
		Path:        "/checklist",
		Summary:     "Checklist template",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.InspectionPoint `json:"body"`
	}, error) {
		return &struct {
			Body []domain.InspectionPoint `json:"body"`
		}{Body: e.Config.InspectionPoints()}, nil
	})
}

func registerInspections(api huma.API, e *workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-inspection",
		Method:        http.MethodPost,
		Path:          "/doors/{door_id}/inspection",
		Summary:       "Start inspection",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		DoorID string `path:"door_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		session, checks, err := e.StartInspection(ctx, input.DoorID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{Session: session, Checks: checks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-check",
		Method:      http.MethodPatch,
		Path:        "/inspections/{session_id}/checks/{point_id}",
		Summary:     "Record a checklist evaluation",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string             `path:"session_id"`
		PointID   string             `path:"point_id"`
		Body      UpdateCheckRequest `json:"body"`
	}) (*struct {
		Body domain.InspectionCheck `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.IsChecked == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "is_checked is required", nil)
		}
		check, err := e.UpdateCheck(ctx, input.SessionID, input.PointID, *input.Body.IsChecked, input.Body.Notes, input.Body.PhotoRef, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InspectionCheck `json:"body"`
		}{Body: check}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-inspection",
		Method:      http.MethodPost,
		Path:        "/inspections/{session_id}/complete",
		Summary:     "Complete inspection",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string                    `path:"session_id"`
		Body      CompleteInspectionRequest `json:"body"`
	}) (*struct {
		Body domain.InspectionSession `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		session, err := e.CompleteInspection(ctx, input.SessionID, input.Body.Notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InspectionSession `json:"body"`
		}{Body: session}, nil
	})
}

func registerTransitions(api huma.API, e *workflow.Engine) {
	doorOp := func(opID, opPath, summary string, call func(ctx context.Context, doorID, actorID string) (domain.Door, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        opPath,
			Summary:     summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			DoorID string `path:"door_id"`
		}) (*struct {
			Body domain.Door `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			door, err := call(ctx, input.DoorID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Door `json:"body"`
			}{Body: door}, nil
		})
	}

	doorOp("open-review", "/doors/{door_id}/review", "Open for engineering review", e.OpenForReview)
	doorOp("release-door", "/doors/{door_id}/release", "Release certificate to client", e.Release)

	huma.Register(api, huma.Operation{
		OperationID:   "certify-door",
		Method:        http.MethodPost,
		Path:          "/doors/{door_id}/certify",
		Summary:       "Certify door",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		DoorID string         `path:"door_id"`
		Body   CertifyRequest `json:"body"`
	}) (*struct {
		Body domain.Certificate `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cert, err := e.Certify(ctx, input.DoorID, actorID, input.Body.Signature)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Certificate `json:"body"`
		}{Body: cert}, nil
	})

	rejectOp := func(opID, opPath, summary string, call func(ctx context.Context, doorID, actorID, reason string) (domain.Door, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        opPath,
			Summary:     summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			DoorID string        `path:"door_id"`
			Body   RejectRequest `json:"body"`
		}) (*struct {
			Body domain.Door `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			door, err := call(ctx, input.DoorID, actorID, input.Body.Reason)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Door `json:"body"`
			}{Body: door}, nil
		})
	}

	rejectOp("reject-door", "/doors/{door_id}/reject", "Reject door", e.Reject)
	rejectOp("client-reject-door", "/doors/{door_id}/client-reject", "Client rejects the released certificate", e.ClientReject)

	huma.Register(api, huma.Operation{
		OperationID: "download-certificate",
		Method:      http.MethodPost,
		Path:        "/doors/{door_id}/download",
		Summary:     "Mark certificate downloaded",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		DoorID string `path:"door_id"`
	}) (*struct {
		Body domain.Certificate `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cert, _, err := e.Download(ctx, input.DoorID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Certificate `json:"body"`
		}{Body: cert}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-certificate",
		Method:      http.MethodDelete,
		Path:        "/certificates/{certificate_id}",
		Summary:     "Delete certificate",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CertificateID string `path:"certificate_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteCertificate(ctx, input.CertificateID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerActors(api huma.API, e *workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upsert-actor",
		Method:        http.MethodPut,
		Path:          "/actors",
		Summary:       "Create or update actor",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body UpsertActorRequest `json:"body"`
	}) (*struct {
		Body domain.Actor `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.ID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id and role are required", nil)
		}
		switch input.Body.Role {
		case domain.RoleInspector, domain.RoleEngineer, domain.RoleAdmin, domain.RoleClient:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role "+input.Body.Role, nil)
		}
		a := domain.Actor{
			ID:           input.Body.ID,
			Name:         input.Body.Name,
			Role:         input.Body.Role,
			SignatureRef: input.Body.SignatureRef,
			CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.UpsertActor(ctx, a); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Repo.GetActor(ctx, a.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Actor `json:"body"`
		}{Body: stored}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "List actors",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Actor `json:"body"`
	}, error) {
		actors, err := e.Repo.ListActors(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if actors == nil {
			actors = []domain.Actor{}
		}
		return &struct {
			Body []domain.Actor `json:"body"`
		}{Body: actors}, nil
	})
}

// registerDocument serves the raw certificate PNG. Registered on the
// router directly because the response is binary, not a JSON envelope.
func registerDocument(r chi.Router, basePath string, e *workflow.Engine) {
	r.Get(basePath+"/doors/{door_id}/certificate/document", func(w http.ResponseWriter, req *http.Request) {
		actorID, authErr := actorIDFromContext(req.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		doorID := chi.URLParam(req, "door_id")
		cert, data, err := e.Download(req.Context(), doorID, actorID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(cert.DocRef)))
		w.Write(data)
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, req *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
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
    <title>Doorline API Docs</title>
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
