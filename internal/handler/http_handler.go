package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-proc-requests/internal/common/errors"
	"github.com/pesio-ai/be-proc-requests/internal/common/logger"
	"github.com/pesio-ai/be-proc-requests/internal/service"
)

const (
	headerMemberID   = "X-Member-ID"
	headerMemberRole = "X-Member-Role"

	roleAdmin = "admin"

	// uploadPrefix marks a response value that names a multipart file part.
	uploadPrefix   = "upload:"
	maxUploadBytes = 32 << 20
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	workflow *service.WorkflowService
	canvass  *service.CanvassService
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(workflow *service.WorkflowService, canvass *service.CanvassService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		workflow: workflow,
		canvass:  canvass,
		log:      log,
	}
}

// Routes mounts the request API on r.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/api/v1/requests", func(r chi.Router) {
		r.Post("/", h.SubmitRequest)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetRequest)
			r.Put("/", h.EditRequest)
			r.Post("/cancel", h.CancelRequest)
			r.Post("/reopen", h.ReopenRequest)
			r.Post("/issue", h.LinkIssue)
			r.Post("/assignments/{assignmentID}/decision", h.Decide)
			r.Post("/assignments/{assignmentID}/override", h.Override)
			r.Get("/ledger", h.GetLedger)
			r.Get("/canvass", h.GetCanvass)
			r.Get("/history", h.GetHistory)
		})
	})
}

// actor reads the caller identity set by the gateway.
func actor(r *http.Request) service.Actor {
	return service.Actor{
		MemberID: strings.TrimSpace(r.Header.Get(headerMemberID)),
		IsAdmin:  strings.EqualFold(r.Header.Get(headerMemberRole), roleAdmin),
	}
}

// SubmitRequest handles request submission. The body is JSON, or multipart
// with a "payload" JSON part plus file parts referenced as "upload:<part>".
func (h *HTTPHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var in service.SubmitInput
	uploads, err := h.decodeBody(r, &in, &in.Responses)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer uploads.Close()

	result, err := h.workflow.Submit(r.Context(), actor(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// GetRequest returns a request with its grouped responses and approval progress.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	view, err := h.workflow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// EditRequest replaces the responses of a pending request.
func (h *HTTPHandler) EditRequest(w http.ResponseWriter, r *http.Request) {
	var in service.EditInput
	uploads, err := h.decodeBody(r, &in, &in.Responses)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer uploads.Close()
	in.RequestID = chi.URLParam(r, "id")

	result, err := h.workflow.Edit(r.Context(), actor(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CancelRequest cancels a request and its pending downstream chain.
func (h *HTTPHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	var in service.CancelInput
	if err := decodeOptionalJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	in.RequestID = chi.URLParam(r, "id")

	result, err := h.workflow.Cancel(r.Context(), actor(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *HTTPHandler) ReopenRequest(w http.ResponseWriter, r *http.Request) {
	var in service.ReopenInput
	if err := decodeOptionalJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	in.RequestID = chi.URLParam(r, "id")

	result, err := h.workflow.Reopen(r.Context(), actor(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Decide records the caller's decision on one assignment.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	h.decision(w, r, h.workflow.Decide)
}

// Override records an administrator decision on behalf of the assigned signer.
func (h *HTTPHandler) Override(w http.ResponseWriter, r *http.Request) {
	h.decision(w, r, h.workflow.Override)
}

func (h *HTTPHandler) decision(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, a service.Actor, in service.DecisionInput) (*service.WorkflowResult, error),
) {
	var in service.DecisionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid JSON"))
		return
	}
	in.RequestID = chi.URLParam(r, "id")
	in.AssignmentID = chi.URLParam(r, "assignmentID")

	result, err := fn(r.Context(), actor(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// LinkIssue associates an external issue id with a request.
func (h *HTTPHandler) LinkIssue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IssueID string `json:"issue_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid JSON"))
		return
	}
	if strings.TrimSpace(body.IssueID) == "" {
		h.writeError(w, r, errors.InvalidInput("issue_id", "is required"))
		return
	}

	result, err := h.workflow.LinkExternalIssue(r.Context(), actor(r), chi.URLParam(r, "id"), body.IssueID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetLedger returns the per-item conservation balance of an upstream request.
func (h *HTTPHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.workflow.Balance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

// GetCanvass compares the pending quotations of a requisition.
func (h *HTTPHandler) GetCanvass(w http.ResponseWriter, r *http.Request) {
	result, err := h.canvass.CompareQuotations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.workflow.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── body decoding ─────────────────────────────────────────────────────────────

// openUploads holds the multipart files opened for one request.
type openUploads []multipart.File

// Close closes every file and reports the first failure.
func (u openUploads) Close() error {
	var first error
	for _, f := range u {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// decodeBody fills dst from a JSON body, or from the "payload" part of a
// multipart body, attaching uploaded files to the responses that name them.
// The caller closes the returned files once the responses are consumed.
func (h *HTTPHandler) decodeBody(r *http.Request, dst any, responses *[]service.RawResponse) (openUploads, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			return nil, errors.InvalidInput("body", "invalid JSON")
		}
		return nil, nil
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, errors.InvalidInput("body", "invalid multipart form")
	}
	payload := r.FormValue("payload")
	if payload == "" {
		return nil, errors.InvalidInput("payload", "is required")
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return nil, errors.InvalidInput("payload", "invalid JSON")
	}

	var opened openUploads
	for i := range *responses {
		raw := &(*responses)[i]
		ref, ok := raw.Value.(string)
		if !ok || !strings.HasPrefix(ref, uploadPrefix) {
			continue
		}
		part := strings.TrimPrefix(ref, uploadPrefix)
		upload, f, err := formFile(r.MultipartForm, part)
		if err != nil {
			opened.Close()
			return nil, err
		}
		opened = append(opened, f)
		raw.File = upload
		raw.Value = nil
	}
	return opened, nil
}

func formFile(form *multipart.Form, part string) (*service.Upload, multipart.File, error) {
	headers := form.File[part]
	if len(headers) == 0 {
		return nil, nil, errors.InvalidInput(part, "referenced upload is missing")
	}
	fh := headers[0]
	f, err := fh.Open()
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInvalidInput, fmt.Sprintf("open upload %s", part))
	}
	return &service.Upload{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Body:        f,
	}, f, nil
}

func decodeOptionalJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && err != io.EOF {
		return errors.InvalidInput("body", "invalid JSON")
	}
	return nil
}

// ── responses ─────────────────────────────────────────────────────────────────

type errorBody struct {
	Code    errors.ErrCode `json:"code"`
	Message string         `json:"message"`
	Details any            `json:"details,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	body := errorBody{Code: errors.CodeOf(err), Message: err.Error()}

	var qe *service.QuantityExceededError
	if errors.As(err, &qe) {
		body.Details = map[string]any{
			"upstream_request_id": qe.UpstreamRequestID,
			"item":                qe.Item,
			"requested":           qe.Requested,
			"available":           qe.Available,
		}
	}

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		body.Message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
