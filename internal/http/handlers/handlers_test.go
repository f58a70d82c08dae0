package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Dhoini/friday-billing/internal/domain"
	"github.com/Dhoini/friday-billing/internal/middleware"
	"github.com/Dhoini/friday-billing/internal/models"
	"github.com/Dhoini/friday-billing/internal/services"
	"github.com/Dhoini/friday-billing/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubCheckout struct {
	out *services.CheckoutOutput
	err error
	got services.CheckoutInput
}

func (s *stubCheckout) CreateSession(_ context.Context, in services.CheckoutInput) (*services.CheckoutOutput, error) {
	s.got = in
	return s.out, s.err
}

type stubProcessor struct {
	outcome    string
	err        error
	configured bool
	payload    []byte
	signature  string
}

func (s *stubProcessor) Process(_ context.Context, payload []byte, signature string) (string, error) {
	s.payload = payload
	s.signature = signature
	return s.outcome, s.err
}

func (s *stubProcessor) SecretConfigured() bool { return s.configured }

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubReader struct {
	view *services.SubscriptionView
	err  error
}

func (s stubReader) Get(context.Context, string) (*services.SubscriptionView, error) {
	return s.view, s.err
}

type stubDownloads struct {
	url string
	err error
}

func (s stubDownloads) URL(context.Context) (string, error) { return s.url, s.err }

func perform(r http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func checkoutRouter(svc CheckoutSessionCreator, authUser string) *gin.Engine {
	r := gin.New()
	if authUser != "" {
		r.Use(func(c *gin.Context) { c.Set(string(middleware.ContextUserIDKey), authUser) })
	}
	r.POST("/checkout-sessions", NewCheckoutHandler(svc, logger.Nop()).CreateSession)
	return r
}

func TestCreateSession_Success(t *testing.T) {
	svc := &stubCheckout{out: &services.CheckoutOutput{SessionID: "cs_test_1"}}
	r := checkoutRouter(svc, "")

	w := perform(r, http.MethodPost, "/checkout-sessions",
		`{"planType":"lifetime","userId":"user_1","email":"a@b.co","isUpgrade":true}`,
		map[string]string{"Idempotency-Key": "idem-1"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cs_test_1", decodeBody(t, w)["sessionId"])
	assert.Equal(t, models.PlanLifetime, svc.got.PlanType)
	assert.Equal(t, "user_1", svc.got.UserID)
	assert.Equal(t, "a@b.co", svc.got.Email)
	require.NotNil(t, svc.got.IsUpgrade)
	assert.True(t, *svc.got.IsUpgrade)
	assert.Equal(t, "idem-1", svc.got.IdempotencyKey)
}

func TestCreateSession_InvalidBody(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"malformed json", `{"planType":`, "malformed request body"},
		{"unknown plan", `{"planType":"weekly","userId":"user_1"}`, "planType must be one of [monthly lifetime]"},
		{"missing user", `{"planType":"monthly"}`, "userId is required"},
		{"bad email", `{"planType":"monthly","userId":"user_1","email":"nope"}`, "email is invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubCheckout{}
			w := perform(checkoutRouter(svc, ""), http.MethodPost, "/checkout-sessions", tt.body, nil)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decodeBody(t, w)["error"], tt.message)
			assert.Empty(t, svc.got.UserID, "service must not be called")
		})
	}
}

func TestCreateSession_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"duplicate", &domain.DuplicateSubscriptionError{UserID: "user_1", ActivePlan: "monthly", RequestPlan: "monthly"}, http.StatusBadRequest},
		{"invalid price", &domain.InvalidPriceError{PriceID: "price_x", OriginalErr: errors.New("inactive")}, http.StatusBadRequest},
		{"invalid input", domain.ErrInvalidInput, http.StatusBadRequest},
		{"missing price config", &domain.ConfigurationError{Key: "stripe.monthlyPriceId"}, http.StatusInternalServerError},
		{"provider rejected", &domain.CheckoutCreationError{OriginalErr: &domain.UpstreamProviderError{Operation: "create checkout session", ClientFault: true, OriginalErr: errors.New("bad param")}}, http.StatusBadRequest},
		{"provider down", &domain.CheckoutCreationError{OriginalErr: &domain.UpstreamProviderError{Operation: "create checkout session", Retryable: true, OriginalErr: errors.New("503")}}, http.StatusInternalServerError},
		{"store down", errors.New("store unavailable"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubCheckout{err: tt.err}
			w := perform(checkoutRouter(svc, ""), http.MethodPost, "/checkout-sessions",
				`{"planType":"monthly","userId":"user_1"}`, nil)

			assert.Equal(t, tt.want, w.Code)
			assert.NotEmpty(t, decodeBody(t, w)["error"])
		})
	}
}

func TestCreateSession_ConfigErrorHasDetails(t *testing.T) {
	svc := &stubCheckout{err: &domain.ConfigurationError{Key: "stripe.lifetimePriceId"}}
	w := perform(checkoutRouter(svc, ""), http.MethodPost, "/checkout-sessions",
		`{"planType":"lifetime","userId":"user_1"}`, nil)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, decodeBody(t, w)["details"], "stripe.lifetimePriceId")
}

func TestCreateSession_ForbiddenForOtherUser(t *testing.T) {
	svc := &stubCheckout{out: &services.CheckoutOutput{SessionID: "cs_test_1"}}
	w := perform(checkoutRouter(svc, "user_2"), http.MethodPost, "/checkout-sessions",
		`{"planType":"monthly","userId":"user_1"}`, nil)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, svc.got.UserID)
}

func webhookRouter(p *stubProcessor, store StorePinger) *gin.Engine {
	r := gin.New()
	h := NewWebhookHandler(p, store, logger.Nop())
	h.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	r.POST("/webhooks/payment-provider", h.HandleWebhook)
	r.GET("/webhooks/payment-provider/health", h.Health)
	return r
}

func TestHandleWebhook_Outcomes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"processed", nil, http.StatusOK},
		{"bad signature", &domain.SignatureVerificationError{Reason: "signature mismatch"}, http.StatusBadRequest},
		{"missing secret", &domain.SignatureVerificationError{Reason: "webhook secret is not configured"}, http.StatusBadRequest},
		{"malformed", domain.ErrMalformedEvent, http.StatusBadRequest},
		{"store failure", &domain.HandlerError{EventType: domain.EventInvoicePaid, EventID: "evt_1", Retryable: true, OriginalErr: errors.New("down")}, http.StatusInternalServerError},
		{"permanent handler failure", &domain.HandlerError{EventType: domain.EventInvoicePaid, EventID: "evt_1", OriginalErr: errors.New("gone")}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &stubProcessor{outcome: "processed", err: tt.err, configured: true}
			w := perform(webhookRouter(p, stubPinger{}), http.MethodPost, "/webhooks/payment-provider",
				`{"id":"evt_1"}`, map[string]string{"Stripe-Signature": "t=1,v1=abc"})

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, true, decodeBody(t, w)["received"])
			}
		})
	}
}

func TestHandleWebhook_PassesRawBodyAndSignature(t *testing.T) {
	p := &stubProcessor{outcome: "processed", configured: true}
	payload := `{"id":"evt_1",  "type":"invoice.payment_succeeded"}`
	perform(webhookRouter(p, stubPinger{}), http.MethodPost, "/webhooks/payment-provider",
		payload, map[string]string{"Stripe-Signature": "t=1,v1=abc"})

	assert.Equal(t, payload, string(p.payload))
	assert.Equal(t, "t=1,v1=abc", p.signature)
}

func TestHandleWebhook_BodyTooLarge(t *testing.T) {
	p := &stubProcessor{configured: true}
	body := strings.Repeat("a", int(maxRequestBodySize)+1)
	w := perform(webhookRouter(p, stubPinger{}), http.MethodPost, "/webhooks/payment-provider", body, nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Nil(t, p.payload)
}

func TestWebhookHealth(t *testing.T) {
	w := perform(webhookRouter(&stubProcessor{configured: true}, stubPinger{}), http.MethodGet, "/webhooks/payment-provider/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["store"])
	assert.Equal(t, "configured", body["webhookSecret"])
	assert.Equal(t, "2024-03-01T10:00:00Z", body["timestamp"])

	w = perform(webhookRouter(&stubProcessor{}, stubPinger{err: errors.New("down")}), http.MethodGet, "/webhooks/payment-provider/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, "error", body["store"])
	assert.Equal(t, "missing", body["webhookSecret"])
}

func subscriptionRouter(reader SubscriptionReader) *gin.Engine {
	r := gin.New()
	r.GET("/users/subscription", NewSubscriptionHandler(reader, logger.Nop()).GetSubscription)
	return r
}

func TestGetSubscription(t *testing.T) {
	key := "deadbeef"
	plan := "monthly"
	reader := stubReader{view: &services.SubscriptionView{HasPaid: true, SecretKey: &key, PlanType: &plan}}

	w := perform(subscriptionRouter(reader), http.MethodGet, "/users/subscription?userId=user_1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["hasPaid"])
	assert.Equal(t, "deadbeef", body["secretKey"])
	assert.Equal(t, "monthly", body["planType"])
	assert.Nil(t, body["status"])
	assert.Contains(t, body, "subscriptionId")
}

func TestGetSubscription_Errors(t *testing.T) {
	w := perform(subscriptionRouter(stubReader{}), http.MethodGet, "/users/subscription", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(subscriptionRouter(stubReader{err: errors.New("store down")}), http.MethodGet, "/users/subscription?userId=user_1", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDownload(t *testing.T) {
	r := gin.New()
	r.GET("/download", NewDownloadHandler(stubDownloads{url: "https://s3.test/friday.dmg?X-Amz-Signature=x"}, logger.Nop()).Download)

	w := perform(r, http.MethodGet, "/download", "", nil)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://s3.test/friday.dmg?X-Amz-Signature=x", w.Header().Get("Location"))
}

func TestDownload_NotConfigured(t *testing.T) {
	r := gin.New()
	r.GET("/download", NewDownloadHandler(stubDownloads{err: &domain.ConfigurationError{Key: "download.bucket"}}, logger.Nop()).Download)

	w := perform(r, http.MethodGet, "/download", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Download is not configured", decodeBody(t, w)["error"])
}
