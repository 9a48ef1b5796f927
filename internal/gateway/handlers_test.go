package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coursepay/coursepay/internal/ledger"
	"github.com/coursepay/coursepay/internal/money"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v81"
)

const testSecret = "whsec_test_secret"

func newTestRouter(t *testing.T) (*gin.Engine, *ledger.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := ledger.NewMemoryStore()
	engine := ledger.NewEngine(store, testLogger()).WithClock(func() time.Time { return base })
	svc := NewService(engine, &capturePublisher{}, 7, testLogger())
	handler := NewHandler(svc, testSecret, testLogger())

	router := gin.New()
	handler.RegisterRoutes(router.Group("/v1"))
	return router, store
}

// signPayload builds a Stripe-Signature header the way the gateway signs
// deliveries: HMAC-SHA256 over "<timestamp>.<raw body>".
func signPayload(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func checkoutEvent(ref string, amountTotal int64, metadata map[string]string) []byte {
	meta, _ := json.Marshal(metadata)
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"api_version": %q,
		"type": "checkout.session.completed",
		"data": {"object": {"id": %q, "amount_total": %d, "metadata": %s}}
	}`, stripe.APIVersion, ref, amountTotal, meta))
}

func postWebhook(router *gin.Engine, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/gateway/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signature)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleWebhook_RecordsPurchase(t *testing.T) {
	router, store := newTestRouter(t)

	payload := checkoutEvent("cs_abc", 10000, map[string]string{
		"user_id":   "buyer-1",
		"course_id": "course-1",
		"seller_id": "seller-1",
	})
	w := postWebhook(router, payload, signPayload(payload, testSecret, time.Now()))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "recorded", resp["status"])

	purchase, err := store.GetPurchase(t.Context(), "buyer-1", "course-1")
	require.NoError(t, err)
	require.NotNil(t, purchase.Price)
	assert.True(t, purchase.Price.Equal(money.MustParse("100")))

	txn, err := store.FindByExternalRef(t.Context(), "cs_abc")
	require.NoError(t, err)
	assert.Equal(t, purchase.ID, txn.PurchaseID)
	assert.True(t, txn.Amount.Abs().Equal(money.MustParse("100")))
}

func TestHandleWebhook_ReplayAcknowledged(t *testing.T) {
	router, _ := newTestRouter(t)

	payload := checkoutEvent("cs_abc", 10000, map[string]string{
		"user_id":   "buyer-1",
		"course_id": "course-1",
		"seller_id": "seller-1",
	})
	w := postWebhook(router, payload, signPayload(payload, testSecret, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)

	w = postWebhook(router, payload, signPayload(payload, testSecret, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "replay", resp["status"])
}

func TestHandleWebhook_RejectsBadSignature(t *testing.T) {
	router, store := newTestRouter(t)

	payload := checkoutEvent("cs_abc", 10000, map[string]string{
		"user_id":   "buyer-1",
		"course_id": "course-1",
		"seller_id": "seller-1",
	})
	w := postWebhook(router, payload, signPayload(payload, "whsec_wrong", time.Now()))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	_, err := store.FindByExternalRef(t.Context(), "cs_abc")
	assert.ErrorIs(t, err, ledger.ErrUnknownReference)
}

func TestHandleWebhook_RejectsStaleTimestamp(t *testing.T) {
	router, _ := newTestRouter(t)

	payload := checkoutEvent("cs_abc", 10000, map[string]string{
		"user_id":   "buyer-1",
		"course_id": "course-1",
		"seller_id": "seller-1",
	})
	w := postWebhook(router, payload, signPayload(payload, testSecret, time.Now().Add(-time.Hour)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWebhook_IgnoresUnhandledTypes(t *testing.T) {
	router, _ := newTestRouter(t)

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_2",
		"api_version": %q,
		"type": "customer.created",
		"data": {"object": {"id": "cus_1"}}
	}`, stripe.APIVersion))
	w := postWebhook(router, payload, signPayload(payload, testSecret, time.Now()))

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ignored", resp["status"])
}

func TestHandleWebhook_RejectsMissingMetadata(t *testing.T) {
	router, _ := newTestRouter(t)

	payload := checkoutEvent("cs_abc", 10000, map[string]string{
		"user_id": "buyer-1",
		// course_id and seller_id absent
	})
	w := postWebhook(router, payload, signPayload(payload, testSecret, time.Now()))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_payload")
}

func TestEnrollFree(t *testing.T) {
	router, store := newTestRouter(t)

	body := []byte(`{"buyerId":"buyer-1","courseId":"course-1","sellerId":"seller-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/purchases/free", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	purchase, err := store.GetPurchase(t.Context(), "buyer-1", "course-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.KindFreemium, purchase.Kind)

	// Enrolling twice conflicts.
	req = httptest.NewRequest(http.MethodPost, "/v1/purchases/free", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestEnrollFree_RejectsMissingFields(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/purchases/free", bytes.NewReader([]byte(`{"buyerId":"buyer-1"}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
