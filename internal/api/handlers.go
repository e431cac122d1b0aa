// Package api exposes the sadhana service over HTTP.
package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/sadhana/internal/auth"
	"example.com/sadhana/internal/domain"
	"example.com/sadhana/internal/persistence"
	"example.com/sadhana/internal/report"
)

const defaultTokenTTL = 30 * 24 * time.Hour

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service  *domain.Service
	tokens   auth.Config
	tokenTTL time.Duration
	log      *logrus.Entry
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger overrides the handler's logger.
func WithLogger(entry *logrus.Entry) Option {
	return func(h *Handler) {
		if entry != nil {
			h.log = entry
		}
	}
}

// WithTokenTTL sets the lifetime of tokens issued at registration.
func WithTokenTTL(ttl time.Duration) Option {
	return func(h *Handler) {
		if ttl > 0 {
			h.tokenTTL = ttl
		}
	}
}

// NewHandler builds a Handler. tokens verifies bearer tokens and signs the ones
// issued at registration.
func NewHandler(service *domain.Service, tokens auth.Config, opts ...Option) *Handler {
	h := &Handler{
		service:  service,
		tokens:   tokens,
		tokenTTL: defaultTokenTTL,
		log:      logrus.NewEntry(logrus.StandardLogger()).WithField("component", "api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns every endpoint behind authentication and request logging.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h.logRequests(auth.NewMiddleware(h.tokens).Wrap(mux))
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", healthz)

	mux.HandleFunc("POST /v1/users", h.registerUser)
	mux.HandleFunc("GET /v1/users/{id}", h.getUser)
	mux.HandleFunc("PUT /v1/users/me/push-token", h.setPushToken)
	mux.HandleFunc("GET /v1/users/{id}/points", h.userPoints)
	mux.HandleFunc("GET /v1/users/{id}/today", h.userToday)

	mux.HandleFunc("GET /v1/activities", h.listActivities)
	mux.HandleFunc("PUT /v1/activities/{name}", h.upsertActivity)

	mux.HandleFunc("POST /v1/ledger", h.submitLedger)
	mux.HandleFunc("GET /v1/ledger", h.listLedger)
	mux.HandleFunc("GET /v1/ledger/{id}", h.getLedger)
	mux.HandleFunc("PATCH /v1/ledger/{id}/subtasks/{subtaskID}", h.updateSubtask)
	mux.HandleFunc("DELETE /v1/ledger/{id}", h.deleteLedger)

	mux.HandleFunc("POST /v1/families", h.createFamily)
	mux.HandleFunc("POST /v1/families/join", h.joinFamily)
	mux.HandleFunc("POST /v1/families/leave", h.leaveFamily)
	mux.HandleFunc("GET /v1/families/{id}", h.getFamily)
	mux.HandleFunc("PUT /v1/families/{id}/goal", h.setGoal)
	mux.HandleFunc("GET /v1/families/{id}/points", h.familyPoints)
	mux.HandleFunc("GET /v1/families/{id}/leaderboard", h.memberLeaderboard)

	mux.HandleFunc("GET /v1/leaderboards/families", h.familyLeaderboard)
	mux.HandleFunc("GET /v1/leaderboards/families/export", h.exportFamilyLeaderboard)
	mux.HandleFunc("GET /v1/leaderboards/users", h.userLeaderboard)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// actor returns the authenticated user id, writing a 401 when there is none.
func actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok || claims.UserID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return "", false
	}
	return claims.UserID, true
}

// userParam resolves the {id} path value, where "me" is the actor.
func userParam(r *http.Request, actorID string) string {
	id := r.PathValue("id")
	if id == "me" {
		return actorID
	}
	return id
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

// ---- users ----

func (h *Handler) registerUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	user, err := h.service.RegisterUser(r.Context(), domain.RegisterUserInput{
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Password:    req.Password,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	token, err := auth.Issue(h.tokens, user.ID, nil, h.tokenTTL)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterUserResponse{User: toUserView(*user), Token: token})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	user, err := h.service.GetUser(r.Context(), userParam(r, actorID))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserView(*user))
}

func (h *Handler) setPushToken(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	var req PushTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := h.service.SetPushToken(r.Context(), actorID, req.Token); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) userPoints(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	days, err := intQuery(r, "days", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	standing, win, err := h.service.UserPoints(r.Context(), userParam(r, actorID), days)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PointsResponse{Window: toWindowView(win), Totals: toStandingView(standing)})
}

func (h *Handler) userToday(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	entries, win, err := h.service.TodayEntries(r.Context(), actorID, userParam(r, actorID))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TodayResponse{Window: toWindowView(win), Items: toLedgerEntryViews(entries)})
}

// ---- catalog ----

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}
	defs, err := h.service.ListActivities(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	items := make([]ActivityView, 0, len(defs))
	for _, d := range defs {
		items = append(items, toActivityView(d))
	}
	writeJSON(w, http.StatusOK, map[string][]ActivityView{"items": items})
}

func (h *Handler) upsertActivity(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeCatalogWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope catalog:write required")
		return
	}
	var req UpsertActivityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	category, err := domain.ParseCategory(req.Category)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	name := r.PathValue("name")
	err = h.service.UpsertActivity(r.Context(), domain.ActivityDefinition{
		Name:        name,
		DisplayName: req.DisplayName,
		Category:    category,
		PointValue:  req.PointValue,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	def, err := h.service.GetActivity(r.Context(), name)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityView(*def))
}

// ---- ledger ----

func (h *Handler) submitLedger(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	var req SubmitLedgerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	input := domain.SubmitInput{UserID: actorID, Subtasks: req.Subtasks}
	if req.SubmittedAt != nil {
		input.SubmittedAt = *req.SubmittedAt
	}
	entry, err := h.service.SubmitLedgerEntry(r.Context(), input)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryView(*entry))
}

func (h *Handler) listLedger(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" || userID == "me" {
		userID = actorID
	}
	limit, err := intQuery(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	entries, next, err := h.service.ListLedgerEntries(r.Context(), actorID, userID, cursor, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListLedgerResponse{
		Items:      toLedgerEntryViews(entries),
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) getLedger(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	entry, err := h.service.GetLedgerEntry(r.Context(), actorID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryView(*entry))
}

func (h *Handler) updateSubtask(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	var req UpdateCountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	entry, err := h.service.UpdateSubtaskCount(r.Context(), actorID, r.PathValue("id"), r.PathValue("subtaskID"), req.Count)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryView(*entry))
}

func (h *Handler) deleteLedger(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteLedgerEntry(r.Context(), actorID, r.PathValue("id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- families ----

func (h *Handler) writeFamily(w http.ResponseWriter, r *http.Request, status int, family *domain.Family, actorID string) {
	today, err := h.service.Clock().Today()
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, status, toFamilyView(*family, actorID, today))
}

func (h *Handler) createFamily(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	var req CreateFamilyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	family, err := h.service.CreateFamily(r.Context(), actorID, req.Name)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeFamily(w, r, http.StatusCreated, family, actorID)
}

func (h *Handler) joinFamily(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	var req JoinFamilyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	family, err := h.service.JoinFamily(r.Context(), actorID, req.Code)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeFamily(w, r, http.StatusOK, family, actorID)
}

func (h *Handler) leaveFamily(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	if err := h.service.LeaveFamily(r.Context(), actorID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getFamily(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))
	family, err := h.service.GetFamily(r.Context(), r.PathValue("id"), fresh)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeFamily(w, r, http.StatusOK, family, actorID)
}

func (h *Handler) setGoal(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	var req DailyGoalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	family, err := h.service.SetDailyGoal(r.Context(), actorID, r.PathValue("id"), domain.DailyGoal{
		Target: req.Target,
		Name:   req.Name,
		Date:   req.Date,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeFamily(w, r, http.StatusOK, family, actorID)
}

func (h *Handler) familyPoints(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}
	days, err := intQuery(r, "days", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	standing, win, err := h.service.FamilyPoints(r.Context(), r.PathValue("id"), days)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PointsResponse{Window: toWindowView(win), Totals: toStandingView(standing)})
}

func (h *Handler) memberLeaderboard(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}
	days, err := intQuery(r, "days", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	board, win, err := h.service.MemberLeaderboard(r.Context(), r.PathValue("id"), days)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaderboard(board, win))
}

// ---- leaderboards ----

func (h *Handler) familyLeaderboard(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}
	days, err := intQuery(r, "days", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	board, win, err := h.service.FamilyLeaderboard(r.Context(), days)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaderboard(board, win))
}

func (h *Handler) userLeaderboard(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}
	days, err := intQuery(r, "days", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	board, win, err := h.service.UserLeaderboard(r.Context(), days, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaderboard(board, win))
}

func (h *Handler) exportFamilyLeaderboard(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}
	days, err := intQuery(r, "days", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	board, win, err := h.service.FamilyLeaderboard(r.Context(), days)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	var buf bytes.Buffer
	title := fmt.Sprintf("Family leaderboard, %d day(s) ending %s", days, win.End.Format("2006-01-02 15:04 MST"))
	if err := report.WriteLeaderboard(&buf, title, board); err != nil {
		h.writeServiceError(w, r, errors.Join(errors.New("render leaderboard"), err))
		return
	}
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"families_%s.xlsx\"", win.Date()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
