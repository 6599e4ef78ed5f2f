package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/malbeclabs/treasury/utils/pkg/retry"
	"github.com/shopspring/decimal"
)

type HTTPClientConfig struct {
	Logger  *slog.Logger
	BaseURL string
	Timeout time.Duration
	Retry   retry.Config
}

func (cfg *HTTPClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// HTTPClient fetches rates from a price-feed service speaking a simple JSON
// protocol: GET {base}/price?from=<code>&to=<code> -> {"price":"<decimal>"}.
// Transient failures are retried with backoff.
type HTTPClient struct {
	log    *slog.Logger
	cfg    HTTPClientConfig
	client *http.Client
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPClient{
		log:    cfg.Logger,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("price feed returned status %d", e.code)
}

func (e *statusError) StatusCode() int { return e.code }

func (c *HTTPClient) PriceFor(ctx context.Context, from, to Currency) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	u, err := url.Parse(c.cfg.BaseURL + "/price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to build price feed url: %w", err)
	}
	q := u.Query()
	q.Set("from", strconv.FormatUint(uint64(from), 10))
	q.Set("to", strconv.FormatUint(uint64(to), 10))
	u.RawQuery = q.Encode()

	var price decimal.Decimal
	err = retry.Do(ctx, c.cfg.Retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &statusError{code: resp.StatusCode}
		}
		var body struct {
			Price decimal.Decimal `json:"price"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("failed to decode price feed response: %w", err)
		}
		price = body.Price
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch price %d -> %d: %w", from, to, err)
	}
	if price.IsZero() || price.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %d -> %d", ErrNoPrice, from, to)
	}

	c.log.Debug("oracle: fetched price", "from", from, "to", to, "price", price)
	return price, nil
}
