// Package routeBuilder talks to the cross-chain route quoting service and turns quoted
// routes into EVM transaction templates for the presigner.
package routeBuilder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainErrors"
	"github.com/vortex-ramp/ephemeral-signer/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://v2.api.squidrouter.com/v2"
	DefaultTimeout = 30 * time.Second

	// HighSlippageThreshold is the aggregate slippage (percent) above which a quote is
	// logged as suspicious.
	HighSlippageThreshold = 2.5

	headerIntegratorID = "x-integrator-id"
	headerRequestID    = "x-request-id"
)

// Config for the route client.
type Config struct {
	BaseURL      string
	IntegratorID string
	Timeout      time.Duration
	// RequestsPerSecond bounds outbound calls; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// Client queries the route service.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	validate   *validator.Validate
	recorder   metrics.Recorder
	logger     *zap.Logger
}

// NewClient creates a route client. httpClient may be nil.
func NewClient(cfg *Config, httpClient *http.Client, recorder metrics.Recorder, l *zap.Logger) (*Client, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.IntegratorID == "" {
		return nil, chainErrors.New(chainErrors.KindConfiguration, "", "route service integrator id is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.Timeout}
	}
	if l == nil {
		l = zap.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if c.RequestsPerSecond > 0 {
		burst := c.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(c.RequestsPerSecond), burst)
	}

	return &Client{
		config:     c,
		httpClient: httpClient,
		limiter:    limiter,
		validate:   validator.New(),
		recorder:   metrics.OrNoop(recorder),
		logger:     l,
	}, nil
}

// RouteResult is a quoted route plus the request id the service assigned to it.
type RouteResult struct {
	Route     Route  `json:"route"`
	RequestID string `json:"requestId"`
}

// Route is the subset of a quote the ramp relies on.
type Route struct {
	QuoteID            string             `json:"quoteId"`
	Estimate           RouteEstimate      `json:"estimate"`
	TransactionRequest TransactionRequest `json:"transactionRequest"`
}

type RouteEstimate struct {
	ToToken struct {
		Decimals int `json:"decimals"`
	} `json:"toToken"`
	AggregateSlippage *float64 `json:"aggregateSlippage,omitempty"`
	ToAmount          string   `json:"toAmount"`
	ToAmountMin       string   `json:"toAmountMin"`
	ToAmountUSD       string   `json:"toAmountUSD"`
}

// TransactionRequest is the bridge transaction. Numeric fields may be decimal or
// scientific notation strings; see NormalizeBigIntString.
type TransactionRequest struct {
	Value    string `json:"value"`
	Target   string `json:"target"`
	Data     string `json:"data"`
	GasLimit string `json:"gasLimit"`
}

// RouteStatus is one leg of a tracked transfer.
type RouteStatus struct {
	ChainID string `json:"chainId"`
	TxHash  string `json:"txHash"`
	Status  string `json:"status"`
	Action  string `json:"action"`
}

// StatusResult is the tracked state of a submitted route.
type StatusResult struct {
	ID                     string        `json:"id"`
	Status                 string        `json:"status"`
	SquidTransactionStatus string        `json:"squidTransactionStatus"`
	IsGMPTransaction       bool          `json:"isGMPTransaction"`
	RouteStatus            []RouteStatus `json:"routeStatus"`
}

type upstreamError struct {
	Message string `json:"message"`
}

// GetRoute requests a route for params.
func (c *Client) GetRoute(ctx context.Context, params RouteParams) (*RouteResult, error) {
	if err := c.validate.Struct(params); err != nil {
		return nil, chainErrors.Wrap(chainErrors.KindConfiguration, params.FromChain, "invalid route parameters", err)
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode route parameters: %w", err)
	}

	start := time.Now()
	var resp struct {
		Route *Route `json:"route"`
	}
	header, err := c.do(ctx, http.MethodPost, c.config.BaseURL+"/route", body, &resp)
	requestID := header.Get(headerRequestID)
	if err != nil {
		c.logger.Sugar().Errorw("Failed to fetch route",
			zap.String("requestId", requestID),
			zap.String("fromChain", params.FromChain),
			zap.String("toChain", params.ToChain),
			zap.Error(err),
		)
		return nil, err
	}
	if resp.Route == nil {
		return nil, chainErrors.New(chainErrors.KindUpstream, params.FromChain, fmt.Sprintf("invalid response from route service (request id %s)", requestID))
	}

	labels := map[string]string{"network": params.FromChain + "-" + params.ToChain}
	c.recorder.IncCounter(metrics.EventRouteQuote, labels)
	c.recorder.ObserveLatency("route_quote", time.Since(start), labels)

	if s := resp.Route.Estimate.AggregateSlippage; s != nil && *s > HighSlippageThreshold {
		c.logger.Sugar().Warnw("Received route with high slippage",
			zap.Float64("slippage", *s),
			zap.String("requestId", requestID),
		)
	}

	return &RouteResult{Route: *resp.Route, RequestID: requestID}, nil
}

// GetStatus returns the tracked status of a submitted route transaction.
func (c *Client) GetStatus(ctx context.Context, transactionID, fromChainID, toChainID, quoteID string) (*StatusResult, error) {
	if transactionID == "" {
		return nil, chainErrors.New(chainErrors.KindConfiguration, fromChainID, "transaction id is required")
	}
	q := url.Values{}
	q.Set("transactionId", transactionID)
	if fromChainID != "" {
		q.Set("fromChainId", fromChainID)
	}
	if toChainID != "" {
		q.Set("toChainId", toChainID)
	}
	if quoteID != "" {
		q.Set("quoteId", quoteID)
	}

	c.logger.Sugar().Debugw("Fetching route status", zap.String("transactionId", transactionID))
	var out StatusResult
	if _, err := c.do(ctx, http.MethodGet, c.config.BaseURL+"/status?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one JSON request. Non-2xx responses become Upstream errors carrying the
// service message and request id. The response header is never nil.
func (c *Client) do(ctx context.Context, method, target string, body []byte, out any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return http.Header{}, chainErrors.Wrap(chainErrors.KindTransient, "", "route request cancelled", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return http.Header{}, fmt.Errorf("failed to build route request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerIntegratorID, c.config.IntegratorID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return http.Header{}, chainErrors.Wrap(chainErrors.KindTransient, "", "route service unreachable", err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.Header, chainErrors.Wrap(chainErrors.KindTransient, "", "failed to read route response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ue upstreamError
		_ = json.Unmarshal(buf, &ue)
		if ue.Message == "" {
			ue.Message = "unknown error"
		}
		return resp.Header, chainErrors.New(chainErrors.KindUpstream, "",
			fmt.Sprintf("route service returned %d: %s (request id %s)", resp.StatusCode, ue.Message, resp.Header.Get(headerRequestID)))
	}

	if len(bytes.TrimSpace(buf)) == 0 {
		return resp.Header, chainErrors.New(chainErrors.KindUpstream, "", "route service returned an empty response")
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return resp.Header, chainErrors.Wrap(chainErrors.KindUpstream, "", "failed to decode route response", err)
	}
	return resp.Header, nil
}
