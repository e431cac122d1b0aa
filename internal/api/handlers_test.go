package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"example.com/sadhana/internal/auth"
	"example.com/sadhana/internal/domain"
	"example.com/sadhana/internal/persistence/memory"
	"example.com/sadhana/pkg/logger"
)

var tokens = auth.Config{Secret: "test-secret", Issuer: "sadhana.identity"}

type testAPI struct {
	t       *testing.T
	handler http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock, err := domain.NewDayClock(4, time.UTC, func() time.Time { return now })
	require.NoError(t, err)
	service := domain.NewService(memory.NewStore(), clock, domain.Options{Logger: logger.Discard()})
	return &testAPI{t: t, handler: NewHandler(service, tokens, WithLogger(logger.Discard())).Routes()}
}

func (a *testAPI) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(a.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) register(name string) (string, string) {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/v1/users", "", RegisterUserRequest{Username: name, DisplayName: name, Password: "correct horse"})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp RegisterUserResponse
	decode(a.t, rec, &resp)
	require.NotEmpty(a.t, resp.Token)
	return resp.User.ID, resp.Token
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func problemType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decode(t, rec, &body)
	return body["type"]
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func TestHealthzAndAuthentication(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/v1/activities", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(http.MethodGet, "/v1/activities", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterUser(t *testing.T) {
	api := newTestAPI(t)
	id, token := api.register("asha")

	rec := api.do(http.MethodGet, "/v1/users/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var user UserView
	decode(t, rec, &user)
	require.Equal(t, id, user.ID)
	require.Nil(t, user.FamilyID)

	rec = api.do(http.MethodPost, "/v1/users", "", RegisterUserRequest{Username: "ASHA", Password: "another pass"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(http.MethodPost, "/v1/users", "", RegisterUserRequest{Username: "bala", Password: "short"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation_failed", problemType(t, rec))

	rec = api.do(http.MethodPost, "/v1/users", "", `{"username":"chitra","password":"long enough","admin":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", problemType(t, rec))

	rec = api.do(http.MethodGet, "/v1/users/nobody", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitAndReadPoints(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.register("asha")

	rec := api.do(http.MethodPost, "/v1/ledger", token, `{"subtasks":[{"task":"Mala","count":5}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var entry LedgerEntryView
	decode(t, rec, &entry)
	require.Len(t, entry.Subtasks, 1)
	requireDecimal(t, "10.8", entry.Subtasks[0].PointValue)
	requireDecimal(t, "54", entry.TotalPoints)
	requireDecimal(t, "5", entry.TotalUnits)

	rec = api.do(http.MethodGet, "/v1/users/me/points?days=1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var points PointsResponse
	decode(t, rec, &points)
	requireDecimal(t, "54", points.Totals.Points)
	require.Equal(t, 1, points.Totals.Entries)
	require.Equal(t, "2025-03-10", points.Window.Date)

	rec = api.do(http.MethodGet, "/v1/users/me/today", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var today TodayResponse
	decode(t, rec, &today)
	require.Len(t, today.Items, 1)

	rec = api.do(http.MethodGet, "/v1/activities", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var catalog map[string][]ActivityView
	decode(t, rec, &catalog)
	for _, a := range catalog["items"] {
		if a.Name == "mala" {
			requireDecimal(t, "5", a.Progress)
		}
	}

	rec = api.do(http.MethodGet, "/v1/users/me/points?days=0", token, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = api.do(http.MethodGet, "/v1/users/me/points?days=week", token, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRejectsInvalidBatches(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.register("asha")

	for _, body := range []string{
		`{"subtasks":[]}`,
		`{"subtasks":[{"task":"mala","count":0}]}`,
		`{"subtasks":[{"task":"kirtan","count":1}]}`,
		`{"subtasks":[{"task":"mala","count":1000}],"submitted_at":"2025-04-09T12:00:00Z"}`,
		`{"subtasks":[{"task":"mala","count":1000}],"submitted_at":"2024-02-04T12:00:00Z"}`,
		``,
	} {
		rec := api.do(http.MethodPost, "/v1/ledger", token, body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := api.do(http.MethodGet, "/v1/ledger", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page ListLedgerResponse
	decode(t, rec, &page)
	require.Empty(t, page.Items)
}

func TestLedgerPaginationAndEdits(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.register("asha")

	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{"subtasks":[{"task":"prayer","count":%d}],"submitted_at":"2025-03-10T0%d:00:00Z"}`, i+1, i+5)
		rec := api.do(http.MethodPost, "/v1/ledger", token, body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := api.do(http.MethodGet, "/v1/ledger?limit=2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page ListLedgerResponse
	decode(t, rec, &page)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	newest := page.Items[0]
	requireDecimal(t, "3", newest.TotalPoints)

	rec = api.do(http.MethodGet, "/v1/ledger?limit=2&cursor="+page.NextCursor, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var next ListLedgerResponse
	decode(t, rec, &next)
	require.Len(t, next.Items, 1)
	require.Empty(t, next.NextCursor)

	rec = api.do(http.MethodGet, "/v1/ledger?cursor=bm9waXBl", token, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	path := fmt.Sprintf("/v1/ledger/%s/subtasks/%s", newest.ID, newest.Subtasks[0].ID)
	rec = api.do(http.MethodPatch, path, token, UpdateCountRequest{Count: decimal.NewFromInt(10)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var edited LedgerEntryView
	decode(t, rec, &edited)
	requireDecimal(t, "10", edited.TotalPoints)
	requireDecimal(t, "10", edited.TotalUnits)

	rec = api.do(http.MethodDelete, "/v1/ledger/"+newest.ID, token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(http.MethodGet, "/v1/ledger/"+newest.ID, token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFamilyFlow(t *testing.T) {
	api := newTestAPI(t)
	ashaID, asha := api.register("asha")
	_, bala := api.register("bala")
	_, chitra := api.register("chitra")

	rec := api.do(http.MethodPost, "/v1/families", asha, CreateFamilyRequest{Name: "Puri"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var family FamilyView
	decode(t, rec, &family)
	require.NotEmpty(t, family.JoinCode)
	require.Equal(t, []string{ashaID}, family.MemberIDs)

	rec = api.do(http.MethodPost, "/v1/families", bala, CreateFamilyRequest{Name: "puri"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(http.MethodPost, "/v1/families/join", bala, JoinFamilyRequest{Code: family.JoinCode})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(http.MethodPost, "/v1/ledger", asha, `{"subtasks":[{"task":"other","count":20}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var ashaEntry LedgerEntryView
	decode(t, rec, &ashaEntry)
	rec = api.do(http.MethodPost, "/v1/ledger", bala, `{"subtasks":[{"task":"other","count":30}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(http.MethodGet, "/v1/families/"+family.ID, bala, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &family)
	requireDecimal(t, "50", family.Cache.Total)
	require.True(t, family.Cache.Fresh)

	rec = api.do(http.MethodGet, "/v1/families/"+family.ID, chitra, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var outsider FamilyView
	decode(t, rec, &outsider)
	require.Empty(t, outsider.JoinCode)

	rec = api.do(http.MethodGet, "/v1/families/"+family.ID+"/leaderboard?days=7", asha, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var board LeaderboardResponse
	decode(t, rec, &board)
	require.Len(t, board.Items, 2)
	require.Equal(t, "bala", board.Items[0].Name)
	require.Equal(t, 1, board.Items[0].Rank)

	rec = api.do(http.MethodGet, "/v1/ledger/"+ashaEntry.ID, bala, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(http.MethodGet, "/v1/ledger/"+ashaEntry.ID, chitra, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = api.do(http.MethodDelete, "/v1/ledger/"+ashaEntry.ID, bala, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPut, "/v1/families/"+family.ID+"/goal", bala, `{"target":"100","name":"Ekadashi"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &family)
	require.NotNil(t, family.Goal)
	require.Equal(t, "2025-03-10", family.Goal.Date)
	rec = api.do(http.MethodPut, "/v1/families/"+family.ID+"/goal", chitra, `{"target":"100"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPost, "/v1/families/leave", bala, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(http.MethodGet, "/v1/families/"+family.ID+"/points", asha, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var points PointsResponse
	decode(t, rec, &points)
	requireDecimal(t, "20", points.Totals.Points)

	rec = api.do(http.MethodPost, "/v1/families/leave", chitra, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLeaderboardsAndExport(t *testing.T) {
	api := newTestAPI(t)
	_, asha := api.register("asha")
	_, bala := api.register("bala")

	rec := api.do(http.MethodPost, "/v1/families", asha, CreateFamilyRequest{Name: "Puri"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = api.do(http.MethodPost, "/v1/families", bala, CreateFamilyRequest{Name: "Vrindavan"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = api.do(http.MethodPost, "/v1/ledger", bala, `{"subtasks":[{"task":"japa","count":"3"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(http.MethodGet, "/v1/leaderboards/families", asha, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var families LeaderboardResponse
	decode(t, rec, &families)
	require.Len(t, families.Items, 2)
	require.Equal(t, "Vrindavan", families.Items[0].Name)
	requireDecimal(t, "0.3", families.Items[0].Points)

	rec = api.do(http.MethodGet, "/v1/leaderboards/users?limit=1", asha, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var users LeaderboardResponse
	decode(t, rec, &users)
	require.Len(t, users.Items, 1)
	require.Equal(t, "bala", users.Items[0].Name)

	rec = api.do(http.MethodGet, "/v1/leaderboards/families/export?days=7", asha, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "families_")

	book, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	defer book.Close()
	rows, err := book.GetRows("Leaderboard")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	require.Equal(t, "Vrindavan", rows[2][1])
}

func TestUpsertActivityRequiresScope(t *testing.T) {
	api := newTestAPI(t)
	id, token := api.register("asha")

	body := UpsertActivityRequest{DisplayName: "Kirtan", Category: "devotion", PointValue: decimal.NewFromInt(4)}
	rec := api.do(http.MethodPut, "/v1/activities/kirtan", token, body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	admin, err := auth.Issue(tokens, id, []string{auth.ScopeCatalogWrite}, time.Hour)
	require.NoError(t, err)
	rec = api.do(http.MethodPut, "/v1/activities/kirtan", admin, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view ActivityView
	decode(t, rec, &view)
	require.Equal(t, "kirtan", view.Name)
	require.Equal(t, "Devotion", view.Category)

	body.Category = "sports"
	rec = api.do(http.MethodPut, "/v1/activities/kirtan", admin, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelledRequestIsUnavailable(t *testing.T) {
	api := newTestAPI(t)
	id, token := api.register("asha")

	for _, path := range []string{
		"/v1/users/" + id + "/points?days=1",
		"/v1/leaderboards/families?days=1",
		"/v1/leaderboards/users?days=1",
	} {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		api.handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		require.Equal(t, "1", rec.Header().Get("Retry-After"))
		require.Equal(t, "unavailable", problemType(t, rec))
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[domain.Code]int{
		domain.CodeValidation: http.StatusBadRequest,
		domain.CodeNotFound:   http.StatusNotFound,
		domain.CodeForbidden:  http.StatusForbidden,
		domain.CodeConflict:   http.StatusConflict,
		domain.CodeTransient:  http.StatusServiceUnavailable,
	}
	for code, want := range cases {
		status, _ := statusFor(&domain.Error{Code: code})
		require.Equal(t, want, status, code)
	}
	status, kind := statusFor(errors.New("boom"))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "server_error", kind)
}
