package priceindex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestHTTPSourceReadsConfiguredField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"trx_usd": "0.3215"}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "trx_usd", nil)
	p, err := src.TRXUSDPrice(context.Background())
	require.NoError(t, err)
	require.True(t, p.Equal(decimal.NewFromFloat(0.3215)))
}

func TestHTTPSourceDefaultsFieldToPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price": "0.29"}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "", nil)
	p, err := src.TRXUSDPrice(context.Background())
	require.NoError(t, err)
	require.True(t, p.Equal(decimal.NewFromFloat(0.29)))
}

func TestHTTPSourceErrorsOnMissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"other_field": "1.00"}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "price", nil)
	_, err := src.TRXUSDPrice(context.Background())
	require.Error(t, err)
}

func TestHTTPSourceErrorsOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "price", nil)
	_, err := src.TRXUSDPrice(context.Background())
	require.Error(t, err)
}
