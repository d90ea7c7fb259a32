package fairdraw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
)

// SessionService is the surface served over HTTP; *Engine implements it
type SessionService interface {
	Commit(ctx context.Context, clientSeed string) (*CommitReceipt, error)
	Resolve(ctx context.Context, gameID string, prizes []PrizeEntry) (*GameRecord, error)
	Verify(ctx context.Context, gameID, revealedSeed string) (*VerificationReport, error)
	Reveal(ctx context.Context, gameID string) (string, error)
	Session(ctx context.Context, gameID string) (*GameSession, error)
	Record(ctx context.Context, gameID string) (*GameRecord, error)
	Health() map[string]any
}

// Response is the envelope of every API response
type Response struct {
	Status int       `json:"status"`
	Error  string    `json:"error,omitempty"`
	Code   ErrorCode `json:"code,omitempty"`
	Data   any       `json:"data,omitempty"`
}

// CommitRequest is the body of POST /sessions
type CommitRequest struct {
	ClientSeed string `json:"clientSeed" validate:"max=256"`
}

// ResolveRequest is the body of POST /sessions/{gameID}/resolve
type ResolveRequest struct {
	Prizes []PrizeEntry `json:"prizes" validate:"required"`
}

// RevealResponse is the data of GET /sessions/{gameID}/reveal
type RevealResponse struct {
	GameID     string `json:"gameId"`
	ServerSeed string `json:"serverSeed"`
}

type apiHandler struct {
	service  SessionService
	validate *validator.Validate
	logger   Logger
}

// NewHTTPHandler returns the session API router
func NewHTTPHandler(service SessionService, logger Logger) http.Handler {
	if logger == nil {
		logger = NewSilentLogger()
	}
	h := &apiHandler{service: service, validate: validator.New(), logger: logger}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(render.SetContentType(render.ContentTypeJSON))

	router.Get("/health", h.health)
	router.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.commit)
		r.Route("/{gameID}", func(r chi.Router) {
			r.Get("/", h.session)
			r.Post("/resolve", h.resolve)
			r.Get("/record", h.record)
			r.Get("/reveal", h.reveal)
			r.Get("/verify", h.verify)
		})
	})

	return router
}

func (h *apiHandler) commit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			h.logger.Error("failed to decode request body request_id=%s: %v", middleware.GetReqID(r.Context()), err)
			h.write(w, r, errorResponse("failed to decode request body", http.StatusBadRequest))
			return
		}
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeValidation(w, r, err)
		return
	}

	receipt, err := h.service.Commit(r.Context(), req.ClientSeed)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.write(w, r, Response{Status: http.StatusCreated, Data: receipt})
}

func (h *apiHandler) session(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.Session(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.write(w, r, Response{Status: http.StatusOK, Data: session})
}

func (h *apiHandler) resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.logger.Error("failed to decode request body request_id=%s: %v", middleware.GetReqID(r.Context()), err)
		h.write(w, r, errorResponse("failed to decode request body", http.StatusBadRequest))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeValidation(w, r, err)
		return
	}

	record, err := h.service.Resolve(r.Context(), chi.URLParam(r, "gameID"), req.Prizes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.write(w, r, Response{Status: http.StatusOK, Data: record})
}

func (h *apiHandler) record(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Record(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.write(w, r, Response{Status: http.StatusOK, Data: record})
}

func (h *apiHandler) reveal(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	seed, err := h.service.Reveal(r.Context(), gameID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.write(w, r, Response{Status: http.StatusOK, Data: RevealResponse{GameID: gameID, ServerSeed: seed}})
}

func (h *apiHandler) verify(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Verify(r.Context(), chi.URLParam(r, "gameID"), r.URL.Query().Get("serverSeed"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.write(w, r, Response{Status: http.StatusOK, Data: report})
}

func (h *apiHandler) health(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, Response{Status: http.StatusOK, Data: h.service.Health()})
}

func (h *apiHandler) write(w http.ResponseWriter, r *http.Request, resp Response) {
	render.Status(r, resp.Status)
	render.JSON(w, r, resp)
}

func (h *apiHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed request_id=%s path=%s: %v", middleware.GetReqID(r.Context()), r.URL.Path, err)
	}

	resp := errorResponse(err.Error(), status)
	var de *DrawError
	if errors.As(err, &de) {
		resp.Error = de.Message
		if de.Details != "" {
			resp.Error = de.Message + ": " + de.Details
		}
		resp.Code = de.Code
	}
	h.write(w, r, resp)
}

func (h *apiHandler) writeValidation(w http.ResponseWriter, r *http.Request, err error) {
	var validateErr validator.ValidationErrors
	if errors.As(err, &validateErr) {
		h.write(w, r, validationErrorResponse(validateErr))
		return
	}
	h.write(w, r, errorResponse("invalid request", http.StatusBadRequest))
}

func errorResponse(msg string, status int) Response {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Response{Status: status, Error: msg}
}

func validationErrorResponse(errs validator.ValidationErrors) Response {
	var errMsgs []string

	for _, err := range errs {
		switch err.ActualTag() {
		case "required":
			errMsgs = append(errMsgs, fmt.Sprintf("field %s is required", err.Field()))
		case "max":
			errMsgs = append(errMsgs, fmt.Sprintf("field %s is too long", err.Field()))
		default:
			errMsgs = append(errMsgs, fmt.Sprintf("field %s is invalid", err.Field()))
		}
	}

	return Response{
		Status: http.StatusBadRequest,
		Code:   ErrCodeInvalidParameters,
		Error:  strings.Join(errMsgs, ", "),
	}
}

// statusForError maps error kinds onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrLockAcquisitionFailed):
		return http.StatusServiceUnavailable
	case IsValidationError(err):
		return http.StatusBadRequest
	case IsStateError(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
