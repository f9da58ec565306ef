package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	quota "github.com/xraph/quota"
	"github.com/xraph/quota/api"
	"github.com/xraph/quota/assistant"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/store/memory"
	"github.com/xraph/quota/types"
)

var (
	secret = []byte("test-secret")
	t0     = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
)

const adminID = 1

type fixture struct {
	engine *quota.Engine
	srv    *httptest.Server
	asked  int
}

func newFixture(t *testing.T, answer error) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := quota.New(memory.New(),
		quota.WithLogger(logger),
		quota.WithClock(func() time.Time { return t0 }),
		quota.WithAdmins(adminID),
	)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })

	f := &fixture{engine: e}
	bot := assistant.ClientFunc(func(_ context.Context, req assistant.Request) (string, error) {
		f.asked++
		if answer != nil {
			return "", answer
		}
		return "echo: " + req.Prompt, nil
	})

	s := api.New(e,
		api.WithLogger(logger),
		api.WithSecret(secret),
		api.WithAssistant(bot),
		api.WithClock(func() time.Time { return t0 }),
	)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func token(t *testing.T, userID int64, admin bool) string {
	t.Helper()
	tok, err := api.IssueToken(secret, userID, admin, time.Hour)
	require.NoError(t, err)
	return tok
}

func serviceToken(t *testing.T) string {
	t.Helper()
	tok, err := api.IssueServiceToken(secret, "bot", time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, tok string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthAndCatalogArePublic(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get(api.RequestIDHeader))

	resp, body = f.do(t, http.MethodGet, "/v1/catalog", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["plans"], 3)
	assert.Len(t, body["top_ups"], 2)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/v1/accounts", "", map[string]any{"user_id": 5})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged, err := api.IssueServiceToken([]byte("other"), "bot", time.Hour)
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodPost, "/v1/accounts", forged, map[string]any{"user_id": 5})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := api.IssueServiceToken(secret, "bot", -time.Minute)
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodPost, "/v1/accounts", expired, map[string]any{"user_id": 5})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServiceRoutesRejectUserTokens(t *testing.T) {
	f := newFixture(t, nil)
	svc := serviceToken(t)
	resp, _ := f.do(t, http.MethodPost, "/v1/accounts", svc, map[string]any{"user_id": 7})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, tok := range []string{token(t, 7, false), token(t, adminID, true)} {
		resp, _ = f.do(t, http.MethodPost, "/v1/payments", tok, payment.SettleRequest{
			UserID:  8,
			Payload: payment.NewPayload(payment.KindTopUp, "10"),
			Amount:  types.Stars(99),
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp, _ = f.do(t, http.MethodPost, "/v1/accounts/7/consume", tok, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	_, err := f.engine.GetAccount(context.Background(), 8)
	assert.ErrorIs(t, err, quota.ErrAccountNotFound)
}

func TestEnsureAccountWithStartParam(t *testing.T) {
	f := newFixture(t, nil)
	tok := serviceToken(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/accounts", tok, map[string]any{"user_id": 10})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/v1/accounts", tok, map[string]any{"user_id": 11, "start_param": "ref_10"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 10, body["referred_by"])

	resp, body = f.do(t, http.MethodGet, "/v1/accounts/10/referrals", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["invited"])
}

func TestEnsureAccountRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	tok := serviceToken(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/accounts", tok, map[string]any{"user_id": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/accounts", tok, map[string]any{"user": 3})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConsumeUntilDenied(t *testing.T) {
	f := newFixture(t, nil)
	tok := serviceToken(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/accounts/20/consume", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.do(t, http.MethodPost, "/v1/accounts", tok, map[string]any{"user_id": 20})
	_, err := f.engine.GrantBonusCredits(context.Background(), 20, 1)
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/v1/accounts/20/consume", tok, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bonus", body["source"])

	resp, body = f.do(t, http.MethodPost, "/v1/accounts/20/consume", tok, nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, false, body["granted"])

	resp, body = f.do(t, http.MethodGet, "/v1/accounts/20/availability", tok, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["total"])
}

func TestInvalidUserID(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, http.MethodGet, "/v1/accounts/abc/availability", serviceToken(t), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSetMode(t *testing.T) {
	f := newFixture(t, nil)
	tok := serviceToken(t)
	f.do(t, http.MethodPost, "/v1/accounts", tok, map[string]any{"user_id": 30})

	resp, body := f.do(t, http.MethodPut, "/v1/accounts/30/mode", tok, map[string]any{"mode": "photo"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "photo", body["mode"])

	resp, _ = f.do(t, http.MethodPut, "/v1/accounts/30/mode", tok, map[string]any{"mode": "video"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAsk(t *testing.T) {
	f := newFixture(t, nil)
	tok := serviceToken(t)
	f.do(t, http.MethodPost, "/v1/accounts", tok, map[string]any{"user_id": 40})

	resp, _ := f.do(t, http.MethodPost, "/v1/accounts/40/ask", tok, map[string]any{"prompt": "2+2"})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Zero(t, f.asked)

	_, err := f.engine.GrantBonusCredits(context.Background(), 40, 2)
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/v1/accounts/40/ask", tok, map[string]any{"prompt": "2+2"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "echo: 2+2", body["answer"])
	assert.Equal(t, "bonus", body["source"])
	assert.Equal(t, 1, f.asked)
}

func TestAskPhotoModeNeedsImage(t *testing.T) {
	f := newFixture(t, nil)
	tok := serviceToken(t)
	f.do(t, http.MethodPost, "/v1/accounts", tok, map[string]any{"user_id": 41})
	f.do(t, http.MethodPut, "/v1/accounts/41/mode", tok, map[string]any{"mode": "photo"})
	_, err := f.engine.GrantBonusCredits(context.Background(), 41, 1)
	require.NoError(t, err)

	resp, _ := f.do(t, http.MethodPost, "/v1/accounts/41/ask", tok, map[string]any{"prompt": "2+2"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	av, err := f.engine.AvailableUnits(context.Background(), 41, t0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, av.BonusCredits)
}

func TestAskAssistantFailureKeepsDebit(t *testing.T) {
	f := newFixture(t, errors.New("upstream down"))
	tok := serviceToken(t)
	f.do(t, http.MethodPost, "/v1/accounts", tok, map[string]any{"user_id": 42})
	_, err := f.engine.GrantBonusCredits(context.Background(), 42, 1)
	require.NoError(t, err)

	resp, _ := f.do(t, http.MethodPost, "/v1/accounts/42/ask", tok, map[string]any{"prompt": "2+2"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	av, err := f.engine.AvailableUnits(context.Background(), 42, t0)
	require.NoError(t, err)
	assert.Zero(t, av.BonusCredits)
}

func TestSettlePayment(t *testing.T) {
	f := newFixture(t, nil)
	tok := serviceToken(t)
	req := payment.SettleRequest{
		UserID:  50,
		Payload: payment.NewPayload(payment.KindTopUp, "10"),
		Amount:  types.Stars(99),
	}

	resp, body := f.do(t, http.MethodPost, "/v1/payments", tok, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, false, body["already_settled"])

	resp, body = f.do(t, http.MethodPost, "/v1/payments", tok, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["already_settled"])

	req.Payload = "topup_999:0123456789abcdef0123456789abcdef"
	resp, _ = f.do(t, http.MethodPost, "/v1/payments", tok, req)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	req.Payload = "garbage"
	resp, _ = f.do(t, http.MethodPost, "/v1/payments", tok, req)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t, nil)
	user := token(t, 60, false)
	resp, _ := f.do(t, http.MethodPost, "/v1/accounts", serviceToken(t), map[string]any{"user_id": 60})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/admin/stats", user, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The admin claim alone is not enough: the subject must be on the allow-list.
	resp, _ = f.do(t, http.MethodGet, "/v1/admin/stats", token(t, 60, true), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	admin := token(t, adminID, true)
	resp, body := f.do(t, http.MethodPost, "/v1/admin/accounts/60/credits", admin, map[string]any{"credits": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 5, body["bonus_credits"])

	resp, _ = f.do(t, http.MethodPost, "/v1/admin/accounts/60/credits", admin, map[string]any{"credits": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/admin/accounts/60/subscription", admin, map[string]any{"plan": "pro"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/admin/accounts/60/subscription", admin, map[string]any{"plan": "gold"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/admin/stats", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total_users"])
	assert.EqualValues(t, 1, body["active_subscriptions"])
}
