package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/tierrewards/ledger/internal/models"
)

// PriceSource fetches live USD prices for a set of networks.
type PriceSource interface {
	FetchRates(ctx context.Context, networks []models.Network) (models.RateTable, error)
}

// PriceSourceFunc adapts a function to the PriceSource interface.
type PriceSourceFunc func(ctx context.Context, networks []models.Network) (models.RateTable, error)

func (f PriceSourceFunc) FetchRates(ctx context.Context, networks []models.Network) (models.RateTable, error) {
	return f(ctx, networks)
}

// coinIDs maps networks to CoinGecko asset identifiers.
var coinIDs = map[models.Network]string{
	models.NetworkBTC:  "bitcoin",
	models.NetworkETH:  "ethereum",
	models.NetworkTRON: "tron",
	models.NetworkUSDT: "tether",
	models.NetworkBNB:  "binancecoin",
	models.NetworkSOL:  "solana",
}

// HTTPPriceSource reads /simple/price from a CoinGecko-compatible API.
type HTTPPriceSource struct {
	client  *http.Client
	baseURL string
}

func NewHTTPPriceSource(client *http.Client, baseURL string) *HTTPPriceSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPPriceSource{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// FetchRates returns a rate for every requested network the source quoted.
// Networks the response omits are absent from the table.
func (s *HTTPPriceSource) FetchRates(ctx context.Context, networks []models.Network) (models.RateTable, error) {
	ids := make([]string, 0, len(networks))
	for _, n := range networks {
		if id, ok := coinIDs[n]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return models.RateTable{}, nil
	}

	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", s.baseURL, strings.Join(ids, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, UpstreamError(err, "price source unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, UpstreamError(err, "read price source response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, UpstreamError(nil, "price source returned %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, UpstreamError(nil, "price source returned invalid json")
	}

	table := make(models.RateTable, len(networks))
	for _, n := range networks {
		id, ok := coinIDs[n]
		if !ok {
			continue
		}
		res := gjson.GetBytes(body, id+".usd")
		if !res.Exists() {
			continue
		}
		rate, err := decimal.NewFromString(res.Raw)
		if err != nil || !rate.IsPositive() {
			continue
		}
		table[n] = rate
	}
	return table, nil
}
