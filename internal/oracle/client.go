package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	platformhttp "github.com/pricepulse/pricepulse/internal/platform/http"
	"github.com/pricepulse/pricepulse/models"
)

// sourceName tags samples persisted from the live feed.
const sourceName = "twelvedata"

// liveWindow is how close to now a target must be for the spot-price
// endpoint to stand in for it; older targets go through the candle
// endpoint.
const liveWindow = 2 * time.Minute

// Client is the live price feed client, implementing Source.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *platformhttp.Client
	logger     zerolog.Logger
}

// ClientOptions holds options for creating a live feed client.
type ClientOptions struct {
	APIKey          string
	BaseURL         string
	RequestTimeout  time.Duration
	RequestsPerSec  int
	MaxRetryTimeout time.Duration
}

// NewClient creates a live feed client.
func NewClient(opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.twelvedata.com"
	}
	return &Client{
		apiKey:  opts.APIKey,
		baseURL: opts.BaseURL,
		httpClient: platformhttp.NewClient(platformhttp.ClientOptions{
			Name:            "price_feed",
			Timeout:         opts.RequestTimeout,
			RequestsPerSec:  opts.RequestsPerSec,
			MaxRetryTimeout: opts.MaxRetryTimeout,
		}),
		logger: log.With().Str("component", "price_feed").Logger(),
	}
}

type priceResponse struct {
	Price  float64 `json:"price,string"`
	Status string  `json:"status"`
}

type seriesResponse struct {
	Values []struct {
		Datetime string  `json:"datetime"`
		Close    float64 `json:"close,string"`
	} `json:"values"`
	Status string `json:"status"`
}

// Quote fetches the price of assetID at the given instant. Recent targets
// use the spot endpoint; older ones the minute-candle series.
func (c *Client) Quote(ctx context.Context, assetID string, at time.Time) (models.PriceSample, error) {
	if time.Since(at).Abs() <= liveWindow {
		return c.spot(ctx, assetID, at)
	}
	return c.candle(ctx, assetID, at)
}

func (c *Client) spot(ctx context.Context, assetID string, at time.Time) (models.PriceSample, error) {
	u := fmt.Sprintf("%s/price?symbol=%s&apikey=%s", c.baseURL, url.QueryEscape(assetID), c.apiKey)

	body, err := c.get(ctx, u)
	if err != nil {
		return models.PriceSample{}, err
	}

	var data priceResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return models.PriceSample{}, fmt.Errorf("parsing price response: %w", err)
	}
	if data.Price == 0 {
		return models.PriceSample{}, fmt.Errorf("empty price for %s", assetID)
	}
	return models.PriceSample{
		AssetID:   assetID,
		Source:    sourceName,
		Timestamp: at,
		Price:     data.Price,
	}, nil
}

func (c *Client) candle(ctx context.Context, assetID string, at time.Time) (models.PriceSample, error) {
	u := fmt.Sprintf(
		"%s/time_series?symbol=%s&interval=1min&outputsize=1&end_date=%s&apikey=%s",
		c.baseURL,
		url.QueryEscape(assetID),
		url.QueryEscape(at.UTC().Format("2006-01-02 15:04:05")),
		c.apiKey,
	)

	body, err := c.get(ctx, u)
	if err != nil {
		return models.PriceSample{}, err
	}

	var data seriesResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return models.PriceSample{}, fmt.Errorf("parsing series response: %w", err)
	}
	if len(data.Values) == 0 {
		return models.PriceSample{}, fmt.Errorf("no candle for %s at %s", assetID, at.Format(time.RFC3339))
	}
	return models.PriceSample{
		AssetID:   assetID,
		Source:    sourceName,
		Timestamp: at,
		Price:     data.Values[0].Close,
	}, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	c.logger.Debug().Str("url", u).Msg("Fetching price")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.DoRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if strings.Contains(string(body), `"status":"error"`) {
		c.logger.Error().Str("response", string(body)).Msg("price API error")
		return nil, fmt.Errorf("price API error: %s", string(body))
	}
	return body, nil
}
