// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package host adapts net/http to the protocol engine: it binds the
// operator-configured endpoint paths onto a chi router, parses the wire
// request into the transaction's parameter bag, and renders the
// transaction's response as a JSON body, a redirect or a form_post
// document.
package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/authframe/pkg/claims"
	"github.com/stacklok/authframe/pkg/logger"
	"github.com/stacklok/authframe/pkg/metrics"
	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
	"github.com/stacklok/authframe/pkg/server/handlers"
)

// UserAuthenticator resolves the authenticated end user for a request.
// Hosts plug their session mechanism in here; a nil principal triggers
// the challenge path (the host renders login).
type UserAuthenticator func(r *http.Request) *claims.Principal

// Handler is the HTTP front end of a server instance.
type Handler struct {
	srv          *server.Server
	authenticate UserAuthenticator
	metrics      *metrics.Metrics
}

// Option configures a Handler.
type Option func(*Handler)

// WithUserAuthenticator installs the end-user session resolver.
func WithUserAuthenticator(fn UserAuthenticator) Option {
	return func(h *Handler) { h.authenticate = fn }
}

// WithMetrics installs the Prometheus collectors for token issuance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// New builds the chi router for every endpoint the options enable.
func New(srv *server.Server, opts ...Option) http.Handler {
	h := &Handler{srv: srv}
	for _, opt := range opts {
		opt(h)
	}

	router := chi.NewRouter()
	options := srv.Options()

	register := func(endpoint oauth.Endpoint, methods ...string) {
		for _, path := range options.EndpointURIs[endpoint] {
			if strings.Contains(path, "://") {
				if u, err := url.Parse(path); err == nil {
					path = u.Path
				}
			}
			for _, method := range methods {
				router.Method(method, path, h.endpoint(endpoint))
			}
		}
	}

	register(oauth.EndpointAuthorization, http.MethodGet, http.MethodPost)
	register(oauth.EndpointToken, http.MethodPost)
	register(oauth.EndpointDevice, http.MethodPost)
	register(oauth.EndpointVerification, http.MethodGet, http.MethodPost)
	register(oauth.EndpointIntrospection, http.MethodPost)
	register(oauth.EndpointRevocation, http.MethodPost)
	register(oauth.EndpointUserinfo, http.MethodGet, http.MethodPost)
	register(oauth.EndpointConfiguration, http.MethodGet)
	register(oauth.EndpointCryptography, http.MethodGet)
	register(oauth.EndpointLogout, http.MethodGet, http.MethodPost)

	return router
}

func (h *Handler) endpoint(endpoint oauth.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		request, err := parseRequest(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, oauth.NewError(oauth.ErrorInvalidRequest,
				"The request could not be parsed."))
			return
		}

		txn := h.srv.NewTransaction(endpoint)
		txn.Request = request
		if h.authenticate != nil {
			if principal := h.authenticate(r); principal != nil {
				txn.SetProperty(handlers.PropertyUserPrincipal, principal)
			}
		}

		if err := h.srv.ProcessRequest(r.Context(), txn); err != nil {
			if errors.Is(err, r.Context().Err()) && r.Context().Err() != nil {
				// Cancellation is not a protocol error; the client is gone.
				return
			}
			logger.Errorw("transaction processing failed",
				"endpoint", string(endpoint),
				"error", err.Error(),
			)
			writeJSONError(w, http.StatusInternalServerError, oauth.ServerError())
			return
		}

		h.countIssuedTokens(txn)
		writeResponse(w, txn.Response)
	}
}

func (h *Handler) countIssuedTokens(txn *server.Transaction) {
	if h.metrics == nil || txn.Response == nil || txn.Response.IsError() {
		return
	}
	for param, tokenType := range map[string]string{
		oauth.ParamAccessToken:  string(oauth.TokenTypeAccessToken),
		"id_token":              string(oauth.TokenTypeIDToken),
		oauth.ParamRefreshToken: string(oauth.TokenTypeRefreshToken),
		oauth.ParamCode:         string(oauth.TokenTypeAuthorizationCode),
		oauth.ParamDeviceCode:   string(oauth.TokenTypeDeviceCode),
	} {
		if _, ok := txn.Response.Get(param); ok {
			h.metrics.TokensIssued.WithLabelValues(tokenType).Inc()
		}
	}
}

// parseRequest merges the query string, the form body and the bearer
// authorization header into the flat parameter bag.
func parseRequest(r *http.Request) (*oauth.Request, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}
	params := make(url.Values, len(r.Form))
	for k, v := range r.Form {
		params[k] = append([]string(nil), v...)
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok && params.Get(oauth.ParamAccessToken) == "" {
			params.Set(oauth.ParamAccessToken, token)
		}
	}
	return oauth.NewRequest(params), nil
}

func writeResponse(w http.ResponseWriter, response *oauth.Response) {
	if response == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if response.RedirectURI != "" {
		writeRedirect(w, response)
		return
	}

	status := response.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

func writeRedirect(w http.ResponseWriter, response *oauth.Response) {
	params := url.Values{}
	for k, v := range response.Params() {
		params.Set(k, fmt.Sprint(v))
	}

	switch response.ResponseMode {
	case oauth.ResponseModeFormPost:
		writeFormPost(w, response.RedirectURI, params)
	case oauth.ResponseModeFragment:
		w.Header().Set("Location", response.RedirectURI+"#"+params.Encode())
		w.WriteHeader(http.StatusFound)
	default: // query
		separator := "?"
		if strings.Contains(response.RedirectURI, "?") {
			separator = "&"
		}
		w.Header().Set("Location", response.RedirectURI+separator+params.Encode())
		w.WriteHeader(http.StatusFound)
	}
}

// writeFormPost renders the auto-submitting document required by the
// form_post response mode.
func writeFormPost(w http.ResponseWriter, action string, params url.Values) {
	w.Header().Set("Content-Type", "text/html;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><title>Working...</title></head>")
	b.WriteString(`<body onload="document.forms[0].submit()">`)
	b.WriteString(`<form method="post" action="` + html.EscapeString(action) + `">`)
	for name, values := range params {
		for _, value := range values {
			b.WriteString(`<input type="hidden" name="` + html.EscapeString(name) +
				`" value="` + html.EscapeString(value) + `"/>`)
		}
	}
	b.WriteString("<noscript><button type=\"submit\">Continue</button></noscript>")
	b.WriteString("</form></body></html>")
	_, _ = w.Write([]byte(b.String()))
}

func writeJSONError(w http.ResponseWriter, status int, protocolError *oauth.Error) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.WriteHeader(status)
	payload := map[string]string{"error": protocolError.Code}
	if protocolError.Description != "" {
		payload["error_description"] = protocolError.Description
	}
	_ = json.NewEncoder(w).Encode(payload)
}
