package broker

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultKiteBaseURL = "https://api.kite.trade"

// KiteClient is a Zerodha Kite Connect v3 HTTP client.
type KiteClient struct {
	client      *http.Client
	baseURL     string
	apiKey      string
	accessToken string
	logger      *logrus.Logger
}

var _ Broker = (*KiteClient)(nil)

// NewKiteClient creates a Kite Connect client. The access token may be empty
// until GenerateSession or SetAccessToken supplies one.
func NewKiteClient(apiKey, accessToken string, logger *logrus.Logger) *KiteClient {
	if logger == nil {
		logger = logrus.New()
	}
	return &KiteClient{
		client:      &http.Client{Timeout: 10 * time.Second},
		baseURL:     defaultKiteBaseURL,
		apiKey:      apiKey,
		accessToken: accessToken,
		logger:      logger,
	}
}

// WithBaseURL overrides the API endpoint (tests).
func (k *KiteClient) WithBaseURL(baseURL string) *KiteClient {
	k.baseURL = strings.TrimRight(baseURL, "/")
	return k
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (k *KiteClient) WithHTTPClient(c *http.Client) *KiteClient {
	if c != nil {
		k.client = c
	}
	return k
}

// SetAccessToken installs the daily session token.
func (k *KiteClient) SetAccessToken(token string) { k.accessToken = token }

// Connected reports whether a session token is installed.
func (k *KiteClient) Connected() bool { return k.apiKey != "" && k.accessToken != "" }

// kiteEnvelope is the common Kite response wrapper.
type kiteEnvelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

func (k *KiteClient) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, k.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request %s: %w", path, err)
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+k.apiKey+":"+k.accessToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", path, err)
	}

	var env kiteEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	if resp.StatusCode >= 400 || env.Status == "error" {
		return &APIError{Status: resp.StatusCode, ErrorType: env.ErrorType, Message: env.Message}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding data from %s: %w", path, err)
		}
	}
	return nil
}

// GenerateSession exchanges the post-login request token for an access token.
// The checksum is SHA-256 over api_key + request_token + api_secret.
func (k *KiteClient) GenerateSession(ctx context.Context, requestToken, apiSecret string) (string, error) {
	sum := sha256.Sum256([]byte(k.apiKey + requestToken + apiSecret))

	form := url.Values{}
	form.Set("api_key", k.apiKey)
	form.Set("request_token", requestToken)
	form.Set("checksum", hex.EncodeToString(sum[:]))

	var data struct {
		AccessToken string `json:"access_token"`
	}
	if err := k.do(ctx, http.MethodPost, "/session/token", form, &data); err != nil {
		return "", fmt.Errorf("generating session: %w", err)
	}
	k.accessToken = data.AccessToken
	return data.AccessToken, nil
}

// PlaceOrder submits a regular market order and returns the broker order ID.
func (k *KiteClient) PlaceOrder(ctx context.Context, p OrderParams) (string, error) {
	form := url.Values{}
	form.Set("exchange", p.Exchange)
	form.Set("tradingsymbol", p.Symbol)
	form.Set("transaction_type", string(p.Side))
	form.Set("quantity", strconv.Itoa(p.Qty))
	form.Set("product", kiteProduct(p.Product))
	form.Set("order_type", "MARKET")
	form.Set("validity", "DAY")
	if p.Tag != "" {
		form.Set("tag", p.Tag)
	}

	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := k.do(ctx, http.MethodPost, "/orders/regular", form, &data); err != nil {
		return "", fmt.Errorf("placing %s %d %s: %w", p.Side, p.Qty, p.Symbol, err)
	}

	k.logger.WithFields(logrus.Fields{
		"order_id": data.OrderID,
		"symbol":   p.Symbol,
		"side":     p.Side,
		"qty":      p.Qty,
	}).Info("order placed")
	return data.OrderID, nil
}

// Positions returns the net positions book.
func (k *KiteClient) Positions(ctx context.Context) ([]PositionItem, error) {
	var data struct {
		Net []PositionItem `json:"net"`
	}
	if err := k.do(ctx, http.MethodGet, "/portfolio/positions", nil, &data); err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	return data.Net, nil
}

// LTP returns last traded prices keyed by "EXCHANGE:SYMBOL".
func (k *KiteClient) LTP(ctx context.Context, instruments ...string) (map[string]float64, error) {
	if len(instruments) == 0 {
		return map[string]float64{}, nil
	}
	q := url.Values{}
	for _, ins := range instruments {
		q.Add("i", ins)
	}

	var data map[string]struct {
		LastPrice float64 `json:"last_price"`
	}
	if err := k.do(ctx, http.MethodGet, "/quote/ltp?"+q.Encode(), nil, &data); err != nil {
		return nil, fmt.Errorf("fetching ltp: %w", err)
	}
	out := make(map[string]float64, len(data))
	for ins, v := range data {
		out[ins] = v.LastPrice
	}
	return out, nil
}

// Profile returns the authenticated user's profile.
func (k *KiteClient) Profile(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := k.do(ctx, http.MethodGet, "/user/profile", nil, &p); err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	return &p, nil
}

// Instruments downloads and parses the CSV instrument dump for an exchange.
func (k *KiteClient) Instruments(ctx context.Context, exchange string) ([]Instrument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.baseURL+"/instruments/"+exchange, nil)
	if err != nil {
		return nil, fmt.Errorf("building instruments request: %w", err)
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+k.apiKey+":"+k.accessToken)

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading instruments: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	r := csv.NewReader(resp.Body)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading instruments header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, want := range []string{"instrument_token", "tradingsymbol"} {
		if _, ok := col[want]; !ok {
			return nil, fmt.Errorf("instruments dump missing column %q", want)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var out []Instrument
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading instruments row: %w", err)
		}
		token, err := strconv.ParseInt(field(row, "instrument_token"), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Instrument{
			Token:          token,
			Symbol:         field(row, "tradingsymbol"),
			Name:           field(row, "name"),
			Exchange:       field(row, "exchange"),
			Segment:        field(row, "segment"),
			InstrumentType: field(row, "instrument_type"),
		})
	}
	return out, nil
}
