package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendingdesk/internal/account"
	"lendingdesk/internal/auth"
	"lendingdesk/internal/catalog"
	"lendingdesk/internal/circulation"
	"lendingdesk/internal/clock"
	"lendingdesk/internal/testutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type suite struct {
	t      *testing.T
	clk    *clock.Manual
	router http.Handler
}

func newSuite(t *testing.T) *suite {
	t.Helper()
	db := testutil.NewTestDB(t)
	clk := clock.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	logger, _ := test.NewNullLogger()

	svc := newServices(db, clk, account.Limits{}, logger)
	issuer := auth.NewIssuer("integration-secret-0123456789", time.Hour, clk)
	return &suite{t: t, clk: clk, router: newRouter(db, svc, issuer, clk, logger)}
}

func (s *suite) call(method, path, token string, body, out any) int {
	s.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(s.t, err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

type session struct {
	Token  string `json:"token"`
	Holder struct {
		ID   uuid.UUID `json:"id"`
		Role auth.Role `json:"role"`
	} `json:"holder"`
}

func (s *suite) register(name, email string) session {
	s.t.Helper()
	var out session
	code := s.call(http.MethodPost, "/auth/register", "", map[string]string{
		"name": name, "email": email, "password": "SecurePass123!",
	}, &out)
	require.Equal(s.t, http.StatusCreated, code)
	return out
}

// seed registers an admin and a holder with a membership and adds one item.
func (s *suite) seed() (admin, holder session, item catalog.Item) {
	s.t.Helper()
	admin = s.register("Desk", "desk@example.com")
	holder = s.register("Ada", "ada@example.com")
	require.Equal(s.t, auth.RoleAdmin, admin.Holder.Role)
	require.Equal(s.t, auth.RoleUser, holder.Holder.Role)

	code := s.call(http.MethodPost, "/memberships", admin.Token, map[string]any{
		"membership_no": "M-100", "holder_id": holder.Holder.ID, "member_name": "Ada", "duration": "6_MONTHS",
	}, nil)
	require.Equal(s.t, http.StatusCreated, code)

	code = s.call(http.MethodPost, "/items", admin.Token, map[string]any{
		"serial_no": "B-100", "title": "Pride and Prejudice", "creator": "Jane Austen", "category_code": "FIC",
	}, &item)
	require.Equal(s.t, http.StatusCreated, code)
	return admin, holder, item
}

func TestHealthAndAuthGate(t *testing.T) {
	s := newSuite(t)

	assert.Equal(t, http.StatusOK, s.call(http.MethodGet, "/health", "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, s.call(http.MethodGet, "/items", "", nil, nil))
	assert.Equal(t, http.StatusNotFound, s.call(http.MethodGet, "/nowhere", "", nil, nil))
}

func TestLendingFlowOverHTTP(t *testing.T) {
	s := newSuite(t)
	admin, holder, item := s.seed()

	var tx circulation.Transaction
	code := s.call(http.MethodPost, "/transactions", holder.Token, map[string]any{"item_id": item.ID}, &tx)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, holder.Holder.ID, tx.HolderID)
	assert.Equal(t, "2024-05-16", tx.DueDate.Format("2006-01-02"))

	var got catalog.Item
	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/items/"+item.ID.String(), holder.Token, nil, &got))
	assert.Equal(t, catalog.Issued, got.Availability)

	// Holders cannot settle returns or read reports.
	assert.Equal(t, http.StatusForbidden, s.call(http.MethodPut, "/transactions/"+tx.ID.String()+"/return", holder.Token, map[string]any{}, nil))
	assert.Equal(t, http.StatusForbidden, s.call(http.MethodGet, "/reports/summary", holder.Token, nil, nil))

	s.clk.Set(time.Date(2024, 5, 19, 11, 0, 0, 0, time.UTC))

	var preview circulation.ReturnPreview
	require.Equal(t, http.StatusOK, s.call(http.MethodPost, "/transactions/"+tx.ID.String()+"/return/preview", holder.Token, nil, &preview))
	assert.Equal(t, 30, preview.Fine)

	var returned circulation.Transaction
	require.Equal(t, http.StatusOK, s.call(http.MethodPut, "/transactions/"+tx.ID.String()+"/return", admin.Token, map[string]any{}, &returned))
	assert.Equal(t, circulation.StatusReturned, returned.Status)
	assert.Equal(t, 30, returned.Fine)
	assert.False(t, returned.FinePaid)

	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/items/"+item.ID.String(), holder.Token, nil, &got))
	assert.Equal(t, catalog.Available, got.Availability)

	var summary circulation.Summary
	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/reports/summary", admin.Token, nil, &summary))
	assert.Equal(t, 30, summary.FinePending)

	require.Equal(t, http.StatusOK, s.call(http.MethodPut, "/transactions/"+tx.ID.String()+"/payfine", admin.Token, nil, nil))
	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/reports/summary", admin.Token, nil, &summary))
	assert.Equal(t, circulation.Summary{
		TotalItems: 1, AvailableItems: 1, ActiveMemberships: 1,
		TotalTransactions: 1, TotalFine: 30, FineCollected: 30,
	}, summary)

	assert.Equal(t, http.StatusConflict, s.call(http.MethodPut, "/transactions/"+tx.ID.String()+"/return", admin.Token, map[string]any{}, nil))
}

func TestConcurrentIssuePreventsDoubleLending(t *testing.T) {
	s := newSuite(t)
	admin, holder, item := s.seed()

	const attempts = 10
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[int]int{}
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, _ := json.Marshal(map[string]any{"item_id": item.ID, "holder_id": holder.Holder.ID})
			req := httptest.NewRequest(http.MethodPost, "/transactions", bytes.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+admin.Token)
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)

			mu.Lock()
			codes[rec.Code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, map[int]int{http.StatusCreated: 1, http.StatusConflict: attempts - 1}, codes)

	var active []circulation.TransactionView
	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/reports/active", admin.Token, nil, &active))
	assert.Len(t, active, 1)
}
