package priceindex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPSource is a thin Source over a JSON price-feed endpoint that returns
// `{"<field>": <TRX/USD price>}`. It calls whatever feed an operator
// configures rather than implementing one: §4.6 step 5 treats the feed
// itself as an external collaborator, the same role chainregistry.go's
// RPC clients played for the teacher's own outside-the-process chain
// backends.
type HTTPSource struct {
	URL        string
	Field      string
	HTTPClient *http.Client
}

// NewHTTPSource builds an HTTPSource, defaulting Field to "price" and
// supplying a bounded-timeout client if none is given.
func NewHTTPSource(url, field string, client *http.Client) *HTTPSource {
	if field == "" {
		field = "price"
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPSource{URL: url, Field: field, HTTPClient: client}
}

// TRXUSDPrice implements Source.
func (s *HTTPSource) TRXUSDPrice(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("priceindex: building request: %w", err)
	}
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("priceindex: fetching %s: %w", s.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("priceindex: %s returned %s", s.URL, resp.Status)
	}

	var body map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("priceindex: decoding response: %w", err)
	}
	price, ok := body[s.Field]
	if !ok {
		return decimal.Zero, fmt.Errorf("priceindex: response missing field %q", s.Field)
	}
	return price, nil
}
