package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	"git.home.luguber.info/inful/privd/internal/dispatch"
	"git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/installer"
	"git.home.luguber.info/inful/privd/internal/logfields"
	"git.home.luguber.info/inful/privd/internal/server/responses"
)

// Service is the request intake used by the API. *installer.Service implements it.
type Service interface {
	HasAccess(identity string) bool
	Submit(ctx context.Context, identity string, req installer.Request, handle *dispatch.Handle) (installer.Receipt, error)
}

// IdentityResolver resolves the caller of a request. *access.Resolver implements it.
type IdentityResolver interface {
	ResolveContext(ctx context.Context) (string, error)
}

// APIHandlers serves the caller facing API.
type APIHandlers struct {
	service         Service
	resolver        IdentityResolver
	registry        *dispatch.Registry
	callbackTimeout time.Duration
	errorAdapter    *errors.HTTPErrorAdapter
	logger          *slog.Logger
}

// NewAPIHandlers creates the API handlers. Outcomes are recorded in registry
// for polling and optionally posted to a caller supplied callback URL.
func NewAPIHandlers(service Service, resolver IdentityResolver, registry *dispatch.Registry, callbackTimeout time.Duration, logger *slog.Logger) *APIHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandlers{
		service:         service,
		resolver:        resolver,
		registry:        registry,
		callbackTimeout: callbackTimeout,
		errorAdapter:    errors.NewHTTPErrorAdapter(logger),
		logger:          logger,
	}
}

// Register mounts the API routes on r.
func (h *APIHandlers) Register(r *mux.Router) {
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/access", h.HandleAccess).Methods(http.MethodGet)
	v1.HandleFunc("/packages/install", h.HandleInstall).Methods(http.MethodPost)
	v1.HandleFunc("/packages/install-split", h.HandleInstallSplit).Methods(http.MethodPost)
	v1.HandleFunc("/packages/delete", h.HandleDelete).Methods(http.MethodPost)
	v1.HandleFunc("/requests/{id}", h.HandleRequestStatus).Methods(http.MethodGet)
}

// HandleAccess reports whether the caller is whitelisted.
func (h *APIHandlers) HandleAccess(w http.ResponseWriter, r *http.Request) {
	identity, err := h.resolver.ResolveContext(r.Context())
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	h.write(w, r, http.StatusOK, responses.AccessResponse{Allowed: h.service.HasAccess(identity), Identity: identity})
}

// HandleInstall accepts a single-file install.
func (h *APIHandlers) HandleInstall(w http.ResponseWriter, r *http.Request) {
	var body responses.InstallRequest
	if err := decodeJSON(r, &body); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	if body.File == "" {
		h.errorAdapter.WriteErrorResponse(w, r, errors.ValidationError("file is required").Build())
		return
	}
	h.submit(w, r, installer.NewRequest(installer.KindInstall, body.PackageID, body.File), body.CallbackURL)
}

// HandleInstallSplit accepts a multi-file install.
func (h *APIHandlers) HandleInstallSplit(w http.ResponseWriter, r *http.Request) {
	var body responses.InstallSplitRequest
	if err := decodeJSON(r, &body); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	h.submit(w, r, installer.NewRequest(installer.KindInstallSplit, body.PackageID, body.Files...), body.CallbackURL)
}

// HandleDelete accepts a package removal.
func (h *APIHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	var body responses.DeleteRequest
	if err := decodeJSON(r, &body); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	h.submit(w, r, installer.NewRequest(installer.KindDelete, body.PackageID), body.CallbackURL)
}

// HandleRequestStatus returns a request's outcome or reports it pending.
func (h *APIHandlers) HandleRequestStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	outcome, done, known := h.registry.Lookup(id)
	if !known {
		h.errorAdapter.WriteErrorResponse(w, r, errors.NotFoundError("unknown request").WithContext("request_id", id).Build())
		return
	}
	resp := responses.RequestStatusResponse{RequestID: id, Status: responses.StatusPending}
	if done {
		finished := outcome.Finished
		resp = responses.RequestStatusResponse{
			RequestID:  id,
			PackageID:  outcome.PackageID,
			Status:     string(outcome.Status),
			Message:    outcome.Message,
			FinishedAt: &finished,
		}
	}
	h.write(w, r, http.StatusOK, resp)
}

func (h *APIHandlers) submit(w http.ResponseWriter, r *http.Request, req installer.Request, callbackURL string) {
	if req.PackageID == "" {
		h.errorAdapter.WriteErrorResponse(w, r, errors.ValidationError("package_id is required").Build())
		return
	}
	callback, err := h.callbacks(callbackURL)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	identity, err := h.resolver.ResolveContext(r.Context())
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	h.registry.Register(req.ID)
	name := "registry"
	if callbackURL != "" {
		name = "webhook"
	}
	receipt, err := h.service.Submit(r.Context(), identity, req, dispatch.NewHandle(name, callback))
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	status := http.StatusAccepted
	if !receipt.Accepted {
		status = http.StatusForbidden
	}
	h.logger.Debug("Request submitted",
		logfields.RequestID(receipt.RequestID),
		logfields.Identity(identity),
		slog.Bool("accepted", receipt.Accepted))
	h.write(w, r, status, responses.SubmitResponse{RequestID: receipt.RequestID, Accepted: receipt.Accepted})
}

func (h *APIHandlers) callbacks(callbackURL string) (dispatch.Callback, error) {
	if callbackURL == "" {
		return h.registry, nil
	}
	u, err := url.Parse(callbackURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.ValidationError("callback_url must be an absolute http(s) URL").
			WithContext("callback_url", callbackURL).Build()
	}
	return dispatch.Multi{h.registry, dispatch.NewWebhookCallback(callbackURL, h.callbackTimeout)}, nil
}

func (h *APIHandlers) write(w http.ResponseWriter, r *http.Request, status int, v any) {
	if err := writeJSON(w, status, v); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, errors.WrapError(err, errors.CategoryInternal, "failed to write response").Build())
	}
}
