// Package server exposes the lead progression API over HTTP. The wizard
// endpoints are public; diagnostics sit behind the admin auth middleware.
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

	"leadline/internal/dispatch"
	"leadline/internal/domain"
	"leadline/internal/flow"
	"leadline/internal/lead"
	"leadline/internal/repo"
	"leadline/internal/resume"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *flow.Engine
	Queue    *dispatch.Queue
	Resume   *resume.Resolver
	BasePath string
	Auth     AuthConfig

	// ResumeRateLimit caps unauthenticated resume requests per client IP
	// per minute. Zero means the default of 5.
	ResumeRateLimit int
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"email: must be a valid email address"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Leadline API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	rateLimit := cfg.ResumeRateLimit
	if rateLimit <= 0 {
		rateLimit = 5
	}
	router.Use(newRateLimitMiddleware(basePath, newRateLimiter(rateLimit, time.Minute)))
	hcfg := huma.DefaultConfig("Leadline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerLeads(group, cfg.Engine)
	registerResume(group, cfg.Resume)
	registerPayments(group, cfg.Engine)
	registerDispatchAdmin(group, cfg.Queue)
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
	var ve *flow.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, flow.ErrWrongStep), errors.Is(err, flow.ErrFlowComplete), errors.Is(err, lead.ErrBranchChange):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, resume.ErrInvalidUID), errors.Is(err, resume.ErrResetCode):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerLeads(api huma.API, e *flow.Engine) {
	type leadPath struct {
		LeadID string `path:"lead_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "begin-flow",
		Method:        http.MethodPost,
		Path:          "/leads",
		Summary:       "Begin a flow from the identity step",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body BeginFlowRequest `json:"body"`
	}) (*struct {
		Body LeadResponse `json:"body"`
	}, error) {
		rec, err := e.BeginFlow(ctx, domain.IdentityAnswers{
			FirstName: input.Body.FirstName,
			LastName:  input.Body.LastName,
			Email:     input.Body.Email,
			Phone:     input.Body.Phone,
			Consent:   input.Body.Consent,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeadResponse `json:"body"`
		}{Body: leadResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lead",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}",
		Summary:     "Lead record and current step",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *leadPath) (*struct {
		Body LeadResponse `json:"body"`
	}, error) {
		rec, err := e.Leads.Read(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeadResponse `json:"body"`
		}{Body: leadResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-leads",
		Method:      http.MethodGet,
		Path:        "/leads",
		Summary:     "List leads (admin)",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []LeadResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		items, err := e.Repo.ListLeads(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]LeadResponse, 0, len(items))
		for _, rec := range items {
			out = append(out, leadResponse(rec))
		}
		return &struct {
			Body []LeadResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-step",
		Method:      http.MethodPost,
		Path:        "/leads/{lead_id}/steps/{step_id}",
		Summary:     "Submit the current step's answers",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		LeadID string          `path:"lead_id"`
		StepID string          `path:"step_id"`
		Body   json.RawMessage `json:"body"`
	}) (*struct {
		Body StepOutcomeResponse `json:"body"`
	}, error) {
		step, err := domain.ParseStep(input.StepID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		out, err := e.SubmitStep(ctx, input.LeadID, step, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepOutcomeResponse `json:"body"`
		}{Body: StepOutcomeResponse{
			Lead:            leadResponse(out.Lead),
			NextStep:        out.Next.String(),
			DepositRequired: out.GateDeposit,
			CheckoutURL:     out.CheckoutURL,
			RedirectURL:     out.RedirectURL,
			Completed:       out.Completed,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "step-back",
		Method:      http.MethodPost,
		Path:        "/leads/{lead_id}/back",
		Summary:     "Move one step backward",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *leadPath) (*struct {
		Body LeadResponse `json:"body"`
	}, error) {
		rec, err := e.Back(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeadResponse `json:"body"`
		}{Body: leadResponse(rec)}, nil
	})
}

func registerResume(api huma.API, r *resume.Resolver) {
	huma.Register(api, huma.Operation{
		OperationID: "resume-lookup",
		Method:      http.MethodPost,
		Path:        "/resume/lookup",
		Summary:     "Find an in-progress lead by contact details or resume code",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ResumeLookupRequest `json:"body"`
	}) (*struct {
		Body ResumeLookupResponse `json:"body"`
	}, error) {
		if input.Body.UID != "" {
			rec, err := r.LookupByUID(ctx, input.Body.Surname, input.Body.UID)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return &struct {
						Body ResumeLookupResponse `json:"body"`
					}{Body: ResumeLookupResponse{Found: false}}, nil
				}
				return nil, handleError(err)
			}
			resp := leadResponse(rec)
			return &struct {
				Body ResumeLookupResponse `json:"body"`
			}{Body: ResumeLookupResponse{Found: true, Lead: &resp}}, nil
		}
		if input.Body.Email == "" && input.Body.Phone == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email, phone or uid is required", nil)
		}
		rec, found := r.Lookup(ctx, input.Body.Email, input.Body.Phone)
		if !found {
			return &struct {
				Body ResumeLookupResponse `json:"body"`
			}{Body: ResumeLookupResponse{Found: false}}, nil
		}
		resp := leadResponse(rec)
		return &struct {
			Body ResumeLookupResponse `json:"body"`
		}{Body: ResumeLookupResponse{Found: true, Lead: &resp}}, nil
	})

	type leadIDBody struct {
		LeadID string `json:"lead_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "assign-uid",
		Method:      http.MethodPost,
		Path:        "/resume/assign-uid",
		Summary:     "Issue the lead's resume code",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body leadIDBody `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		code, err := r.AssignUID(ctx, input.Body.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"resume_code": code}}, nil
	})

	type contactBody struct {
		Surname string `json:"surname"`
		Email   string `json:"email" format:"email"`
	}
	// the forgot-code endpoints answer identically whether or not the
	// details matched anything
	const nonRevealing = "If your details matched, a verification code has been sent."

	huma.Register(api, huma.Operation{
		OperationID: "request-uid-reset",
		Method:      http.MethodPost,
		Path:        "/resume/reset/request",
		Summary:     "Request a code to reset a lost resume code",
	}, func(ctx context.Context, input *struct {
		Body contactBody `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := r.RequestReset(ctx, input.Body.Surname, input.Body.Email); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"message": nonRevealing}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-uid-reset",
		Method:      http.MethodPost,
		Path:        "/resume/reset/verify",
		Summary:     "Exchange a verification code for a fresh resume code",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Email string `json:"email" format:"email"`
			Code  string `json:"code"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		code, err := r.VerifyReset(ctx, input.Body.Email, input.Body.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"resume_code": code}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-reminder",
		Method:      http.MethodPost,
		Path:        "/resume/reminder",
		Summary:     "Re-send the resume code when surname and email match",
	}, func(ctx context.Context, input *struct {
		Body contactBody `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := r.SendReminder(ctx, input.Body.Surname, input.Body.Email); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"message": nonRevealing}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "email-uid",
		Method:      http.MethodPost,
		Path:        "/resume/email-uid",
		Summary:     "Re-send the resume code by email",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body leadIDBody `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := r.EmailUID(ctx, input.Body.LeadID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "sent"}}, nil
	})
}

func registerPayments(api huma.API, e *flow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-checkout-session",
		Method:      http.MethodPost,
		Path:        "/payments/checkout-session",
		Summary:     "Open a hosted checkout session for the deposit",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body struct {
			LeadID string `json:"lead_id"`
		} `json:"body"`
	}) (*struct {
		Body CheckoutSessionResponse `json:"body"`
	}, error) {
		session, err := e.CreateCheckout(ctx, input.Body.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CheckoutSessionResponse `json:"body"`
		}{Body: CheckoutSessionResponse{SessionID: session.ID, URL: session.URL}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-deposit",
		Method:      http.MethodPost,
		Path:        "/payments/confirm",
		Summary:     "Confirm the deposit and lift the onboarding gate",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body struct {
			LeadID    string `json:"lead_id"`
			SessionID string `json:"session_id,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body LeadResponse `json:"body"`
	}, error) {
		rec, err := e.ConfirmDeposit(ctx, input.Body.LeadID, input.Body.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeadResponse `json:"body"`
		}{Body: leadResponse(rec)}, nil
	})
}

func registerDispatchAdmin(api huma.API, q *dispatch.Queue) {
	huma.Register(api, huma.Operation{
		OperationID: "list-dispatch-events",
		Method:      http.MethodGet,
		Path:        "/dispatch/events",
		Summary:     "Dispatch queue diagnostics (admin)",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,in_flight,delivered,failed,"`
	}) (*struct {
		Body []DispatchEventResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		items, err := q.Repo.ListDispatchEvents(ctx, domain.DispatchStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]DispatchEventResponse, 0, len(items))
		for _, e := range items {
			out = append(out, dispatchEventResponse(e))
		}
		return &struct {
			Body []DispatchEventResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-dispatch-event",
		Method:      http.MethodPost,
		Path:        "/dispatch/events/{id}/retry",
		Summary:     "Requeue a failed dispatch event (admin)",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body DispatchEventResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if err := q.Repo.RequeueDispatchEvent(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		e, err := q.Repo.GetDispatchEvent(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DispatchEventResponse `json:"body"`
		}{Body: dispatchEventResponse(e)}, nil
	})
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
    <title>Leadline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.onload = () => {
        window.ui = SwaggerUIBundle({ url: %q, dom_id: "#swagger-ui" });
      };
    </script>
  </body>
</html>`, specURL)
}
