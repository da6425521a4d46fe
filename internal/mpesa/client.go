package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/config"
)

const (
	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	// tokenSafetyMargin is subtracted from expires_in so a token is never
	// presented in its last minute of validity.
	tokenSafetyMargin = 60 * time.Second

	// StillProcessingCode is Daraja's query answer while the customer has not
	// yet responded to the prompt.
	StillProcessingCode = "500.001.1001"

	timestampLayout = "20060102150405"
)

// eat is East Africa Time, the zone Daraja validates timestamps against.
var eat = time.FixedZone("EAT", 3*60*60)

// PushRequest is one STK push to a customer's phone.
type PushRequest struct {
	Phone            string
	Amount           float64
	AccountReference string
	Description      string
}

// PushResponse is Daraja's synchronous acknowledgement of a push.
type PushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// QueryResponse is the STK push query answer. Raw is the untouched provider
// body returned to status callers; the typed fields feed reconciliation.
type QueryResponse struct {
	Raw json.RawMessage `json:"-"`

	ResponseCode        string     `json:"ResponseCode"`
	ResponseDescription string     `json:"ResponseDescription"`
	MerchantRequestID   string     `json:"MerchantRequestID"`
	CheckoutRequestID   string     `json:"CheckoutRequestID"`
	ResultCode          flexString `json:"ResultCode"`
	ResultDesc          string     `json:"ResultDesc"`
}

// Client talks to the Daraja REST API.
type Client struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	shortCode      string
	passKey        string
	callbackURL    string

	httpClient *http.Client
	cache      TokenCache
	logger     *zap.Logger
	now        func() time.Time

	// refresh serialises re-authentication so concurrent callers near expiry
	// share one token request.
	refresh sync.Mutex
}

// NewClient builds a client for cfg. A nil cache keeps the token in memory.
func NewClient(cfg config.MpesaConfig, cache TokenCache, logger *zap.Logger) *Client {
	if cache == nil {
		cache = NewMemoryTokenCache()
	}
	return &Client{
		baseURL:        cfg.BaseURL(),
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		shortCode:      cfg.ShortCode,
		passKey:        cfg.PassKey,
		callbackURL:    cfg.CallbackURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		cache:          cache,
		logger:         logger,
		now:            time.Now,
	}
}

// GetAccessToken returns a cached bearer token or fetches a new one.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	if token, ok := c.cache.Get(ctx); ok {
		return token, nil
	}

	c.refresh.Lock()
	defer c.refresh.Unlock()

	// another caller may have refreshed while we waited
	if token, ok := c.cache.Get(ctx); ok {
		return token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tokenPath, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request mpesa token: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("mpesa token request rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)),
		)
		return "", &AuthenticationError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var res struct {
		AccessToken string     `json:"access_token"`
		ExpiresIn   flexString `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("decode mpesa token: %w", err)
	}
	if res.AccessToken == "" {
		return "", &AuthenticationError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	expiresIn, err := strconv.Atoi(string(res.ExpiresIn))
	if err != nil {
		expiresIn = 3599
	}
	expiresAt := c.now().Add(time.Duration(expiresIn)*time.Second - tokenSafetyMargin)
	if err := c.cache.Set(ctx, res.AccessToken, expiresAt); err != nil {
		// the token is still good for this call
		c.logger.Warn("failed to cache mpesa token", zap.Error(err))
	}
	return res.AccessToken, nil
}

// InitiatePush sends an STK push and returns Daraja's acknowledgement.
func (c *Client) InitiatePush(ctx context.Context, p PushRequest) (*PushResponse, error) {
	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	phone := NormalizePhone(p.Phone)
	timestamp := c.Timestamp()
	description := p.Description
	if description == "" {
		description = "Payment for order " + p.AccountReference
	}

	payload := map[string]interface{}{
		"BusinessShortCode": c.shortCode,
		"Password":          c.Password(timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            int(math.Round(p.Amount)),
		"PartyA":            phone,
		"PartyB":            c.shortCode,
		"PhoneNumber":       phone,
		"CallBackURL":       c.callbackURL,
		"AccountReference":  p.AccountReference,
		"TransactionDesc":   description,
	}

	c.logger.Info("sending stk push",
		zap.String("phone", phone),
		zap.String("account_reference", p.AccountReference),
		zap.Float64("amount", p.Amount),
	)

	body, err := c.post(ctx, "push", pushPath, token, payload)
	if err != nil {
		return nil, err
	}

	var out PushResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode stk push response: %w", err)
	}
	if out.ResponseCode != "0" || out.CheckoutRequestID == "" {
		return nil, &GatewayError{
			Op:           "push",
			StatusCode:   http.StatusOK,
			ProviderCode: out.ResponseCode,
			Message:      out.ResponseDescription,
			Body:         string(body),
		}
	}
	return &out, nil
}

// QueryStatus polls Daraja for the outcome of a push.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResponse, error) {
	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := c.Timestamp()
	payload := map[string]interface{}{
		"BusinessShortCode": c.shortCode,
		"Password":          c.Password(timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	body, err := c.post(ctx, "query", queryPath, token, payload)
	if err != nil {
		return nil, err
	}

	out := QueryResponse{Raw: json.RawMessage(body)}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode stk query response: %w", err)
	}
	return &out, nil
}

// Password is base64(shortCode + passKey + timestamp).
func (c *Client) Password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.shortCode + c.passKey + timestamp))
}

// Timestamp is the current time as YYYYMMDDHHmmss in East Africa Time.
func (c *Client) Timestamp() string {
	return c.now().In(eat).Format(timestampLayout)
}

func (c *Client) post(ctx context.Context, op, path, token string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mpesa %s request: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read mpesa %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var perr struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		}
		_ = json.Unmarshal(body, &perr)
		msg := perr.ErrorMessage
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		c.logger.Error("mpesa request rejected",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("error_code", perr.ErrorCode),
			zap.String("error_message", msg),
		)
		return nil, &GatewayError{
			Op:           op,
			StatusCode:   resp.StatusCode,
			ProviderCode: perr.ErrorCode,
			Message:      msg,
			Body:         string(body),
		}
	}
	return body, nil
}

// flexString accepts a JSON string or number. Daraja sends expires_in and
// ResultCode as either depending on the endpoint.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// String returns the value as sent.
func (f flexString) String() string { return string(f) }
