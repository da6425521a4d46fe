package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/config"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/mpesa"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/notify"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/payments"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/reconcile"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/validation"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeGateway struct {
	mu       sync.Mutex
	n        int
	pushErr  error
	query    *mpesa.QueryResponse
	queryErr error
}

func (g *fakeGateway) InitiatePush(_ context.Context, _ mpesa.PushRequest) (*mpesa.PushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	g.n++
	return &mpesa.PushResponse{CheckoutRequestID: fmt.Sprintf("ws_CO_%d", g.n), ResponseCode: "0"}, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, _ string) (*mpesa.QueryResponse, error) {
	return g.query, g.queryErr
}

type fakeSender struct {
	mu   sync.Mutex
	sent []notify.Email
}

func (f *fakeSender) Send(_ context.Context, e notify.Email) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, e)
	return "id", nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type memIdempotency struct {
	mu      sync.Mutex
	records map[string]*idempotency.Record
}

func (m *memIdempotency) Begin(_ context.Context, key, orderID string) (*idempotency.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok && rec.Status != idempotency.StatusFailed {
		c := *rec
		return &c, false, nil
	}
	m.records[key] = &idempotency.Record{Key: key, Status: idempotency.StatusInProgress, OrderID: orderID}
	return m.records[key], true, nil
}

func (m *memIdempotency) MarkDone(_ context.Context, key, body string, status int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[key]
	rec.Status, rec.ResponseBody, rec.ResponseStatus = idempotency.StatusDone, body, status
	return nil
}

func (m *memIdempotency) MarkFailed(_ context.Context, key, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key].Status, m.records[key].Note = idempotency.StatusFailed, note
	return nil
}

type testAPI struct {
	router  *gin.Engine
	repo    *orders.MemoryStore
	gateway *fakeGateway
	sender  *fakeSender
	idemp   *memIdempotency
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := zap.NewNop()
	repo := orders.NewMemoryStore()
	gw := &fakeGateway{}
	sender := &fakeSender{}

	emailCfg := config.EmailConfig{SenderEmail: "orders@shop.test", CompanyName: "Convex", StampOnFailure: true}
	renderer, err := notify.NewRenderer(notify.CompanyFromConfig(emailCfg))
	require.NoError(t, err)
	dispatcher := notify.NewDispatcher(repo, renderer, sender, emailCfg, logger)
	rec := reconcile.New(repo, dispatcher, nil, logger)
	v := validation.New(false)
	svc := payments.NewService(repo, gw, rec, v, "sandbox", true, logger)
	idemp := &memIdempotency{records: map[string]*idempotency.Record{}}

	h := New(HandlerConfig{
		Orders:      repo,
		Idempotency: idemp,
		Payments:    svc,
		Reconciler:  rec,
		Dispatcher:  dispatcher,
		Validator:   v,
		Logger:      logger,
	})
	return &testAPI{router: NewRouter(h), repo: repo, gateway: gw, sender: sender, idemp: idemp}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func orderBody(method string) map[string]interface{} {
	return map[string]interface{}{
		"customerName":    "Jane Wanjiku",
		"customerEmail":   "jane@example.com",
		"customerPhone":   "0712345678",
		"items":           []map[string]interface{}{{"productId": "p1", "name": "Router", "price": 1000, "quantity": 1}},
		"totalAmount":     1000,
		"shippingAddress": "Moi Avenue",
		"city":            "Nairobi",
		"postalCode":      "00100",
		"paymentMethod":   method,
	}
}

func (a *testAPI) createOrder(t *testing.T, method string) orders.Order {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/orders", orderBody(method))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var o orders.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &o))
	return o
}

func (a *testAPI) initiate(t *testing.T, orderID string) string {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/payments/initiate", map[string]interface{}{
		"orderId": orderID, "phoneNumber": "0712345678", "amount": 1000,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Success           bool   `json:"success"`
		CheckoutRequestID string `json:"checkoutRequestId"`
		Message           string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.True(t, res.Success)
	require.Equal(t, payments.PushedMessage, res.Message)
	return res.CheckoutRequestID
}

func stkCallback(checkoutID string, code int, receipt string) string {
	meta := ""
	if receipt != "" {
		meta = fmt.Sprintf(`,"CallbackMetadata":{"Item":[{"Name":"Amount","Value":1000},{"Name":"MpesaReceiptNumber","Value":%q},{"Name":"PhoneNumber","Value":254712345678}]}`, receipt)
	}
	return fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":%q,"ResultCode":%d,"ResultDesc":"done"%s}}}`, checkoutID, code, meta)
}

func (a *testAPI) callback(t *testing.T, body string) {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/payments/callback", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"success":true,"ResultCode":0}`, w.Body.String())
}

func (a *testAPI) get(t *testing.T, id string) *orders.Order {
	t.Helper()
	o, err := a.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestMpesaOrderSettledByCallback(t *testing.T) {
	api := newTestAPI(t)

	o := api.createOrder(t, "mpesa")
	require.Equal(t, orders.StatusPending, o.PaymentStatus)
	require.NotEmpty(t, o.InvoiceNumber)

	checkoutID := api.initiate(t, o.ID)
	require.Equal(t, checkoutID, api.get(t, o.ID).MpesaTransactionID)

	api.callback(t, stkCallback(checkoutID, 0, "QAZ123"))

	got := api.get(t, o.ID)
	require.Equal(t, orders.StatusCompleted, got.PaymentStatus)
	require.Equal(t, "QAZ123", got.MpesaReceipt)
	require.NotEmpty(t, got.ReceiptNumber)
	require.Equal(t, orders.FulfilmentProcessing, got.OrderStatus)
	require.Equal(t, 1, api.sender.count())

	// a retried webhook changes nothing and sends nothing
	api.callback(t, stkCallback(checkoutID, 0, "QAZ123"))
	again := api.get(t, o.ID)
	require.Equal(t, got.ReceiptNumber, again.ReceiptNumber)
	require.Equal(t, got.Version, again.Version)
	require.Equal(t, 1, api.sender.count())
}

func TestPayOnDeliveryOrderUntouchedByCallbacks(t *testing.T) {
	api := newTestAPI(t)

	o := api.createOrder(t, "pay_on_delivery")
	require.Equal(t, orders.StatusOnDelivery, o.PaymentStatus)

	api.callback(t, stkCallback("ws_CO_unknown", 0, "QAZ999"))
	require.Equal(t, orders.StatusOnDelivery, api.get(t, o.ID).PaymentStatus)
}

func TestFailureCallbackMarksFailed(t *testing.T) {
	api := newTestAPI(t)

	o := api.createOrder(t, "mpesa")
	checkoutID := api.initiate(t, o.ID)

	api.callback(t, stkCallback(checkoutID, 1, ""))

	got := api.get(t, o.ID)
	require.Equal(t, orders.StatusFailed, got.PaymentStatus)
	require.Empty(t, got.MpesaReceipt)
	require.Empty(t, got.ReceiptNumber)

	// a late success cannot resurrect it
	api.callback(t, stkCallback(checkoutID, 0, "QAZ123"))
	require.Equal(t, orders.StatusFailed, api.get(t, o.ID).PaymentStatus)
}

func TestCallbackAlwaysAcknowledged(t *testing.T) {
	api := newTestAPI(t)
	api.callback(t, `not json at all`)
	api.callback(t, `{"hello":"world"}`)
	api.callback(t, ``)
}

func TestCreateOrderValidation(t *testing.T) {
	api := newTestAPI(t)

	body := orderBody("mpesa")
	delete(body, "customerEmail")
	body["items"] = []map[string]interface{}{}
	w := api.do(t, http.MethodPost, "/api/orders", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "validation_failed")
	require.Contains(t, w.Body.String(), "customerEmail")

	bad := orderBody("crypto")
	w = api.do(t, http.MethodPost, "/api/orders", bad)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodPost, "/api/orders", `{"customerName":`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "invalid_request_body")
}

func TestCreateOrderDefaultsAndMismatchFlag(t *testing.T) {
	api := newTestAPI(t)

	body := orderBody("")
	body["totalAmount"] = 900
	w := api.do(t, http.MethodPost, "/api/orders", body)
	require.Equal(t, http.StatusCreated, w.Code)

	var o orders.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &o))
	require.Equal(t, orders.MethodMpesa, o.PaymentMethod)
	require.True(t, o.TotalMismatch)
	require.True(t, strings.HasPrefix(o.OrderNumber, "ORD-"))
	require.Equal(t, "/api/orders/"+o.ID, w.Header().Get("Location"))
}

func TestCreateOrderIdempotencyKeyReplays(t *testing.T) {
	api := newTestAPI(t)

	first := api.do(t, http.MethodPost, "/api/orders", orderBody("mpesa"), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := api.do(t, http.MethodPost, "/api/orders", orderBody("mpesa"), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, second.Code)
	require.JSONEq(t, first.Body.String(), second.Body.String())

	list, err := api.repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)

	api.idemp.records["k-2"] = &idempotency.Record{Key: "k-2", Status: idempotency.StatusInProgress, OrderID: "o-x"}
	w := api.do(t, http.MethodPost, "/api/orders", orderBody("mpesa"), "Idempotency-Key", "k-2")
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestOrderReadAndAdminUpdate(t *testing.T) {
	api := newTestAPI(t)
	o := api.createOrder(t, "pay_on_delivery")

	w := api.do(t, http.MethodGet, "/api/orders/"+o.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodGet, "/api/orders/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.JSONEq(t, `{"error":"Order not found"}`, w.Body.String())

	w = api.do(t, http.MethodGet, "/api/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []orders.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)

	w = api.do(t, http.MethodPut, "/api/orders/"+o.ID, map[string]interface{}{"paymentStatus": "completed", "version": o.Version})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, orders.StatusCompleted, api.get(t, o.ID).PaymentStatus)

	// the version the admin loaded is stale now
	w = api.do(t, http.MethodPut, "/api/orders/"+o.ID, map[string]interface{}{"orderStatus": "shipped", "version": o.Version})
	require.Equal(t, http.StatusConflict, w.Code)

	w = api.do(t, http.MethodPut, "/api/orders/"+o.ID, map[string]interface{}{"paymentStatus": "refunded"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInitiatePaymentErrors(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/payments/initiate", map[string]interface{}{"orderId": "o1"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodPost, "/api/payments/initiate", map[string]interface{}{
		"orderId": "missing", "phoneNumber": "0712345678", "amount": 10,
	})
	require.Equal(t, http.StatusNotFound, w.Code)

	o := api.createOrder(t, "mpesa")
	api.gateway.pushErr = &mpesa.GatewayError{Op: "stk push", StatusCode: 400, ProviderCode: "400.002.02", Message: "Bad Request - Invalid Amount"}
	w = api.do(t, http.MethodPost, "/api/payments/initiate", map[string]interface{}{
		"orderId": o.ID, "phoneNumber": "0712345678", "amount": 1000,
	})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.JSONEq(t, `{
		"error": "Failed to initiate payment",
		"details": "Bad Request - Invalid Amount",
		"debug": {"env": "sandbox", "hasCredentials": true}
	}`, w.Body.String())

	api.gateway.pushErr = errors.New("dial tcp: timeout")
	w = api.do(t, http.MethodPost, "/api/payments/initiate", map[string]interface{}{
		"orderId": o.ID, "phoneNumber": "0712345678", "amount": 1000,
	})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, w.Body.String(), "dial tcp: timeout")
	require.Empty(t, api.get(t, o.ID).MpesaTransactionID)
}

func TestPaymentStatusAndReconcile(t *testing.T) {
	api := newTestAPI(t)
	o := api.createOrder(t, "mpesa")
	checkoutID := api.initiate(t, o.ID)

	raw := `{"ResponseCode":"0","ResultCode":"1032","ResultDesc":"Request cancelled by user","CheckoutRequestID":"` + checkoutID + `"}`
	var q mpesa.QueryResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &q))
	q.Raw = json.RawMessage(raw)
	api.gateway.query = &q

	w := api.do(t, http.MethodGet, "/api/payments/status/"+checkoutID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, raw, w.Body.String())

	w = api.do(t, http.MethodPost, "/api/payments/reconcile/"+checkoutID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"success":true,"outcome":"failed","orderId":"`+o.ID+`"}`, w.Body.String())
	require.Equal(t, orders.StatusFailed, api.get(t, o.ID).PaymentStatus)
}

func TestPaymentStatus_ProviderErrors(t *testing.T) {
	api := newTestAPI(t)

	api.gateway.queryErr = &mpesa.GatewayError{Op: "stk query", StatusCode: 500, ProviderCode: "500.001.1001", Message: "The transaction is being processed"}
	w := api.do(t, http.MethodGet, "/api/payments/status/ws_CO_1", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.JSONEq(t, `{"error":"Failed to query payment status","details":"The transaction is being processed"}`, w.Body.String())

	api.gateway.queryErr = &mpesa.AuthenticationError{StatusCode: 401}
	w = api.do(t, http.MethodPost, "/api/payments/reconcile/ws_CO_1", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	var body struct {
		Error string `json:"error"`
		Debug struct {
			Env            string `json:"env"`
			HasCredentials bool   `json:"hasCredentials"`
		} `json:"debug"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "Failed to reconcile payment", body.Error)
	require.Equal(t, "sandbox", body.Debug.Env)
	require.True(t, body.Debug.HasCredentials)
}

func TestInvoiceRoutes(t *testing.T) {
	api := newTestAPI(t)
	o := api.createOrder(t, "mpesa")

	w := api.do(t, http.MethodPost, "/api/invoices/send-invoice/"+o.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"success":true,"message":"Invoice sent successfully","invoiceNumber":"`+o.InvoiceNumber+`"}`, w.Body.String())
	require.NotNil(t, api.get(t, o.ID).InvoiceSentAt)

	w = api.do(t, http.MethodPost, "/api/invoices/payment-confirmation/"+o.ID, map[string]interface{}{
		"paymentDetails": map[string]interface{}{"mpesaReceipt": "QAZ123", "amount": 1000},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var first struct {
		Message       string `json:"message"`
		ReceiptNumber string `json:"receiptNumber"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Equal(t, "Payment confirmation sent", first.Message)

	w = api.do(t, http.MethodPost, "/api/invoices/payment-confirmation/"+o.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"success":true,"message":"Receipt already sent","receiptNumber":"`+first.ReceiptNumber+`"}`, w.Body.String())

	w = api.do(t, http.MethodPost, "/api/invoices/send-receipt/"+o.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), first.ReceiptNumber)
	require.Equal(t, 3, api.sender.count())

	w = api.do(t, http.MethodGet, "/api/invoices/generate/"+o.ID+"?format=receipt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	require.Contains(t, w.Body.String(), "RECEIPT")
	require.Contains(t, w.Body.String(), first.ReceiptNumber)

	w = api.do(t, http.MethodGet, "/api/invoices/generate/"+o.ID, nil)
	require.Contains(t, w.Body.String(), "INVOICE")

	w = api.do(t, http.MethodPost, "/api/invoices/send-invoice/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/health", "/api/health"} {
		w := api.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Equal(t, "ok", body["status"])
		_, err := time.Parse(time.RFC3339, body["timestamp"])
		require.NoError(t, err)
	}
}
