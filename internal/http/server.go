package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"brandpulse/attendance/internal/attendanceapi"
	"brandpulse/attendance/internal/auth"
	"brandpulse/attendance/internal/config"
	"brandpulse/attendance/internal/device"
	"brandpulse/attendance/internal/location"
	"brandpulse/attendance/internal/session"
)

type Server struct {
	cfg      config.Config
	baseCtx  context.Context
	verifier *auth.Verifier
	keyring  *auth.Keyring
	sessions *session.Registry
	api      *attendanceapi.Client
	bridge   *device.Bridge
	metrics  http.Handler
}

// NewServer wires the agent routes. Attempts started over HTTP run under
// baseCtx, so they outlive the request that triggered them.
func NewServer(baseCtx context.Context, cfg config.Config, sessions *session.Registry, keyring *auth.Keyring, api *attendanceapi.Client, bridge *device.Bridge, metrics http.Handler) (*Server, error) {
	if sessions == nil || keyring == nil || api == nil || bridge == nil {
		return nil, errors.New("sessions, keyring, api and device bridge required")
	}
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if verifier.Verifies() {
		log.Printf("jwt signatures verified locally")
	} else {
		log.Printf("jwt decode only, backend verifies signatures")
	}
	return &Server{
		cfg:      cfg,
		baseCtx:  baseCtx,
		verifier: verifier,
		keyring:  keyring,
		sessions: sessions,
		api:      api,
		bridge:   bridge,
		metrics:  metrics,
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.metrics)

	r.With(s.authMiddleware).Get("/events/{eventId}/session", s.handleGetSession)
	r.With(s.authMiddleware, s.roleMiddleware).Post("/events/{eventId}/session/checkin", s.handleCheckIn)
	r.With(s.authMiddleware, s.roleMiddleware).Post("/events/{eventId}/session/checkout", s.handleCheckOut)
	r.With(s.authMiddleware).Post("/events/{eventId}/session/cancel", s.handleCancel)
	r.With(s.authMiddleware).Delete("/events/{eventId}/session", s.handleDiscard)
	r.With(s.authMiddleware).Get("/events/{eventId}/session/stream", s.handleSessionStream)
	r.With(s.authMiddleware).Get("/events/{eventId}/status", s.handleStatus)

	r.With(s.deviceMiddleware).Post("/device/position", s.handlePostPosition)
	r.With(s.deviceMiddleware).Put("/device/permission", s.handlePutPermission)
	r.With(s.deviceMiddleware).Put("/device/services", s.handlePutServices)
	r.With(s.deviceMiddleware).Get("/device/stream", s.handleDeviceStream)

	return r
}

// Auth

type claimsKey struct{}

type tokenKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			// Browsers cannot set headers on websocket upgrades.
			token = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := s.verifier.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		s.keyring.Put(claims.User(), token)
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		ctx = context.WithValue(ctx, tokenKey{}, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func tokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

func (s *Server) roleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		if !auth.RoleAllowed(claims.Role, s.cfg.AllowedRoles) {
			writeError(w, http.StatusForbidden, "role_not_allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) deviceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.DeviceToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimSpace(r.Header.Get("X-Device-Token"))
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("device_token"))
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.DeviceToken)) != 1 {
			writeError(w, http.StatusForbidden, "device_not_allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Sessions

type attemptResponse struct {
	Attempt   uint64           `json:"attempt"`
	State     session.State    `json:"state"`
	Failure   *session.Failure `json:"failure,omitempty"`
	Cancelled bool             `json:"cancelled,omitempty"`
}

func sessionKey(r *http.Request) (session.Key, bool) {
	claims := claimsFromContext(r.Context())
	eventID := strings.TrimSpace(chi.URLParam(r, "eventId"))
	if claims == nil || eventID == "" {
		return session.Key{}, false
	}
	return session.Key{UserID: claims.User(), EventID: eventID}, true
}

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	key, ok := sessionKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return nil, false
	}
	controller, err := s.sessions.Open(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session_unavailable")
		return nil, false
	}
	return controller, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	controller, ok := s.openSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, controller.Snapshot())
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	controller, ok := s.openSession(w, r)
	if !ok {
		return
	}
	s.startAttempt(w, r, controller, controller.RequestCheckIn)
}

func (s *Server) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	controller, ok := s.openSession(w, r)
	if !ok {
		return
	}
	s.startAttempt(w, r, controller, controller.RequestCheckOut)
}

// startAttempt answers 202 once the transition has begun. With ?wait=true
// it holds the response until the attempt resolves or the client leaves.
func (s *Server) startAttempt(w http.ResponseWriter, r *http.Request, controller *session.Controller, request func(context.Context) (*session.Attempt, error)) {
	attempt, err := request(s.baseCtx)
	if err != nil {
		var transitionErr *session.TransitionError
		if errors.As(err, &transitionErr) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "invalid_state_transition",
				"state": string(transitionErr.State),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "session_unavailable")
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		outcome, err := attempt.Wait(r.Context())
		if err == nil {
			writeJSON(w, http.StatusOK, attemptResponse{
				Attempt:   attempt.Seq,
				State:     outcome.State,
				Failure:   outcome.Failure,
				Cancelled: outcome.Cancelled,
			})
			return
		}
	}
	writeJSON(w, http.StatusAccepted, attemptResponse{Attempt: attempt.Seq, State: controller.State()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	controller, ok := s.sessions.Lookup(key)
	if !ok {
		writeError(w, http.StatusNotFound, "session_not_found")
		return
	}
	controller.Cancel()
	writeJSON(w, http.StatusOK, controller.Snapshot())
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	// The keyring is per user, so the token stays while another event of the
	// same user still has a session.
	if s.sessions.Discard(key) && !s.sessions.HasUser(key.UserID) {
		s.keyring.Forget(key.UserID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	eventID := strings.TrimSpace(chi.URLParam(r, "eventId"))
	client := s.api.WithTokens(attendanceapi.StaticToken(tokenFromContext(r.Context())))
	status, err := client.Status(r.Context(), eventID)
	if err != nil {
		if attendanceapi.IsKind(err, attendanceapi.KindUnauthorized) {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		writeError(w, http.StatusBadGateway, "upstream_error")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Device bridge

type positionRequest struct {
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	Accuracy  float64    `json:"accuracy"`
	Timestamp *time.Time `json:"timestamp"`
}

func (s *Server) handlePostPosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decodeJSON(r, &req); err != nil || req.Latitude == nil || req.Longitude == nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	fix := location.Fix{
		Coordinates: location.Coordinates{Latitude: *req.Latitude, Longitude: *req.Longitude},
		Accuracy:    req.Accuracy,
	}
	if req.Timestamp != nil {
		fix.Timestamp = *req.Timestamp
	}
	stored, err := s.bridge.Report(fix)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	writeJSON(w, http.StatusAccepted, stored)
}

type permissionRequest struct {
	Status string `json:"status"`
}

func (s *Server) handlePutPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	status, err := location.ParsePermission(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	s.bridge.SetPermission(status)
	w.WriteHeader(http.StatusNoContent)
}

type servicesRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handlePutServices(w http.ResponseWriter, r *http.Request) {
	var req servicesRequest
	if err := decodeJSON(r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	s.bridge.SetServicesEnabled(*req.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

// Helpers

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
