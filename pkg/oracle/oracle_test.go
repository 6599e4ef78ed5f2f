package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/treasury/utils/pkg/retry"
	treasurytesting "github.com/malbeclabs/treasury/utils/pkg/testing"
)

func TestTreasury_Oracle_Fixed(t *testing.T) {
	t.Parallel()

	t.Run("identical currencies convert at one", func(t *testing.T) {
		t.Parallel()
		price, err := NewFixed().PriceFor(context.Background(), 1, 1)
		require.NoError(t, err)
		require.True(t, price.Equal(decimal.NewFromInt(1)))
	})

	t.Run("setting a rate also sets the inverse", func(t *testing.T) {
		t.Parallel()

		oracle := NewFixed()
		oracle.Set(2, 1, decimal.NewFromInt(2000))

		price, err := oracle.PriceFor(context.Background(), 2, 1)
		require.NoError(t, err)
		require.True(t, price.Equal(decimal.NewFromInt(2000)))

		inverse, err := oracle.PriceFor(context.Background(), 1, 2)
		require.NoError(t, err)
		require.True(t, inverse.Equal(decimal.RequireFromString("0.0005")), "got %s", inverse)
	})

	t.Run("unknown pair returns ErrNoPrice", func(t *testing.T) {
		t.Parallel()
		_, err := NewFixed().PriceFor(context.Background(), 1, 2)
		require.ErrorIs(t, err, ErrNoPrice)
	})
}

func newTestHTTPClient(t *testing.T, baseURL string) *HTTPClient {
	t.Helper()
	client, err := NewHTTPClient(HTTPClientConfig{
		Logger:  treasurytesting.NewLogger(),
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
		Retry:   retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	})
	require.NoError(t, err)
	return client
}

func TestTreasury_Oracle_HTTPClient(t *testing.T) {
	t.Parallel()

	t.Run("returns error when base url is missing", func(t *testing.T) {
		t.Parallel()
		client, err := NewHTTPClient(HTTPClientConfig{Logger: treasurytesting.NewLogger()})
		require.Error(t, err)
		require.Nil(t, client)
		require.Contains(t, err.Error(), "base url is required")
	})

	t.Run("fetches a price from the feed", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/price", r.URL.Path)
			require.Equal(t, "2", r.URL.Query().Get("from"))
			require.Equal(t, "1", r.URL.Query().Get("to"))
			w.Write([]byte(`{"price":"1850.25"}`))
		}))
		t.Cleanup(srv.Close)

		price, err := newTestHTTPClient(t, srv.URL).PriceFor(context.Background(), 2, 1)
		require.NoError(t, err)
		require.True(t, price.Equal(decimal.RequireFromString("1850.25")), "got %s", price)
	})

	t.Run("identical currencies skip the feed", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("unexpected request for identical currencies")
		}))
		t.Cleanup(srv.Close)

		price, err := newTestHTTPClient(t, srv.URL).PriceFor(context.Background(), 1, 1)
		require.NoError(t, err)
		require.True(t, price.Equal(decimal.NewFromInt(1)))
	})

	t.Run("retries server errors", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"price":"2"}`))
		}))
		t.Cleanup(srv.Close)

		price, err := newTestHTTPClient(t, srv.URL).PriceFor(context.Background(), 2, 1)
		require.NoError(t, err)
		require.True(t, price.Equal(decimal.NewFromInt(2)))
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		t.Cleanup(srv.Close)

		_, err := newTestHTTPClient(t, srv.URL).PriceFor(context.Background(), 2, 1)
		require.Error(t, err)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("rejects non-positive prices", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"price":"0"}`))
		}))
		t.Cleanup(srv.Close)

		_, err := newTestHTTPClient(t, srv.URL).PriceFor(context.Background(), 2, 1)
		require.ErrorIs(t, err, ErrNoPrice)
	})
}
