package chainclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/escrowd/escrowd/internal/money"
)

// TronConfig configures the REST-backed Client. TRON full nodes and
// TronGrid both expose the same HTTP+JSON surface, so a single
// implementation covers either, the way chainregistry.go lets lnd talk
// to btcd or neutrino behind one interface.
type TronConfig struct {
	// BaseURL is the full-node/TronGrid endpoint, e.g.
	// "https://api.trongrid.io".
	BaseURL string
	APIKey  string
	// USDTContract is the network's canonical TRC20 USDT contract
	// address (§6: "Default USDT contract: the network's canonical
	// TRC20 USDT (address configured)").
	USDTContract string

	HTTPClient *http.Client
	// ReadTimeout / BroadcastTimeout bound outbound calls per §5 ("reads
	// ≤ 5s, broadcasts ≤ 30s").
	ReadTimeout      time.Duration
	BroadcastTimeout time.Duration
}

// DefaultTronConfig fills in the per-call timeouts named in §5.
func DefaultTronConfig(baseURL, apiKey, usdtContract string) TronConfig {
	return TronConfig{
		BaseURL:          baseURL,
		APIKey:           apiKey,
		USDTContract:     usdtContract,
		HTTPClient:       &http.Client{},
		ReadTimeout:      5 * time.Second,
		BroadcastTimeout: 30 * time.Second,
	}
}

// tronClient is the REST-backed Client implementation.
type tronClient struct {
	cfg TronConfig
}

// NewTronClient builds a Client talking to a TRON full node or TronGrid.
func NewTronClient(cfg TronConfig) Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &tronClient{cfg: cfg}
}

func (c *tronClient) do(ctx context.Context, timeout time.Duration, method, path string, body interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tron rpc %s %s: status %d: %s", method, path, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *tronClient) GetBalance(ctx context.Context, address string, asset Asset) (decimal.Decimal, error) {
	var out struct {
		Balance string `json:"balance"`
	}
	if asset.ContractAddress == "" {
		if err := c.do(ctx, c.cfg.ReadTimeout, http.MethodPost, "/wallet/getaccount",
			map[string]string{"address": address}, &out); err != nil {
			return decimal.Zero, err
		}
		sun, err := decimal.NewFromString(out.Balance)
		if err != nil {
			return decimal.Zero, err
		}
		return sun.Shift(-6).Round(money.USDTDisplayScale), nil
	}

	var trc20 struct {
		Data []struct{ Value string } `json:"data"`
	}
	if err := c.do(ctx, c.cfg.ReadTimeout, http.MethodPost, "/wallet/triggerconstantcontract",
		map[string]string{"contract_address": asset.ContractAddress, "owner_address": address, "function_selector": "balanceOf(address)", "parameter": address},
		&trc20); err != nil {
		return decimal.Zero, err
	}
	if len(trc20.Data) == 0 {
		return decimal.Zero, nil
	}
	units, err := decimal.NewFromString(trc20.Data[0].Value)
	if err != nil {
		return decimal.Zero, err
	}
	return money.FromOnChainUnits(units), nil
}

func (c *tronClient) GetAccountResources(ctx context.Context, address string) (AccountResources, error) {
	var out struct {
		EnergyLimit     int64 `json:"EnergyLimit"`
		EnergyUsed      int64 `json:"EnergyUsed"`
		FreeNetLimit    int64 `json:"freeNetLimit"`
		FreeNetUsed     int64 `json:"freeNetUsed"`
	}
	if err := c.do(ctx, c.cfg.ReadTimeout, http.MethodPost, "/wallet/getaccountresource",
		map[string]string{"address": address}, &out); err != nil {
		return AccountResources{}, err
	}
	return AccountResources{
		EnergyAvailable:    out.EnergyLimit - out.EnergyUsed,
		BandwidthAvailable: out.FreeNetLimit - out.FreeNetUsed,
	}, nil
}

func (c *tronClient) GetAccountTransactionsTRC20(ctx context.Context, address string, limit int) ([]TRC20Transfer, error) {
	var out struct {
		Data []struct {
			TransactionID string `json:"transaction_id"`
			From          string `json:"from"`
			To            string `json:"to"`
			TokenInfo     struct {
				Address  string `json:"address"`
				Decimals int    `json:"decimals"`
			} `json:"token_info"`
			Value     string `json:"value"`
			BlockTS   int64  `json:"block_timestamp"`
			Confirmed bool   `json:"confirmed"`
			Block     int64  `json:"block"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/v1/accounts/%s/transactions/trc20?limit=%d", address, limit)
	if err := c.do(ctx, c.cfg.ReadTimeout, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	transfers := make([]TRC20Transfer, 0, len(out.Data))
	for _, d := range out.Data {
		units, err := decimal.NewFromString(d.Value)
		if err != nil {
			continue
		}
		transfers = append(transfers, TRC20Transfer{
			TxHash:        d.TransactionID,
			From:          d.From,
			To:            d.To,
			TokenContract: d.TokenInfo.Address,
			Amount:        units.Shift(-int32(d.TokenInfo.Decimals)).Round(money.USDTDisplayScale),
			Confirmed:     d.Confirmed,
			Block:         d.Block,
			Timestamp:     time.UnixMilli(d.BlockTS),
		})
	}
	return transfers, nil
}

func (c *tronClient) GetTransactionInfo(ctx context.Context, txHash string) (TransactionInfo, error) {
	var out struct {
		ID          string `json:"id"`
		BlockNumber int64  `json:"blockNumber"`
		Receipt     struct {
			Result string `json:"result"`
		} `json:"receipt"`
	}
	if err := c.do(ctx, c.cfg.ReadTimeout, http.MethodPost, "/wallet/gettransactioninfobyid",
		map[string]string{"value": txHash}, &out); err != nil {
		return TransactionInfo{}, err
	}
	return TransactionInfo{
		TxHash:    out.ID,
		Confirmed: out.BlockNumber > 0,
		Block:     out.BlockNumber,
		Success:   out.Receipt.Result == "SUCCESS" || out.Receipt.Result == "",
	}, nil
}

func (c *tronClient) BuildSendTRX(ctx context.Context, from, to string, amount decimal.Decimal) (*UnsignedTx, error) {
	sun := amount.Shift(6).Truncate(0)
	var out struct {
		RawDataHex string `json:"raw_data_hex"`
		TxID       string `json:"txID"`
	}
	if err := c.do(ctx, c.cfg.ReadTimeout, http.MethodPost, "/wallet/createtransaction",
		map[string]interface{}{"owner_address": from, "to_address": to, "amount": sun.IntPart()},
		&out); err != nil {
		return nil, err
	}
	return &UnsignedTx{Kind: ContractSendTRX, Raw: []byte(out.RawDataHex)}, nil
}

func (c *tronClient) BuildTRC20Transfer(ctx context.Context, contract Asset, from, to string, amount decimal.Decimal) (*UnsignedTx, error) {
	units := money.ToOnChainUnits(amount)
	var out struct {
		Transaction struct {
			RawDataHex string `json:"raw_data_hex"`
		} `json:"transaction"`
	}
	if err := c.do(ctx, c.cfg.ReadTimeout, http.MethodPost, "/wallet/triggersmartcontract",
		map[string]interface{}{
			"contract_address":  contract.ContractAddress,
			"owner_address":     from,
			"function_selector": "transfer(address,uint256)",
			"parameter":         fmt.Sprintf("%s,%s", to, units.String()),
		}, &out); err != nil {
		return nil, err
	}
	return &UnsignedTx{Kind: ContractTRC20Transfer, Raw: []byte(out.Transaction.RawDataHex)}, nil
}

func (c *tronClient) Sign(ctx context.Context, tx *UnsignedTx, privateKeyHex string) (*SignedTx, error) {
	return c.Multisign(ctx, tx, []string{privateKeyHex})
}

func (c *tronClient) Multisign(ctx context.Context, tx *UnsignedTx, privateKeyHexes []string) (*SignedTx, error) {
	// A real implementation delegates signature math to a TRON client
	// library (spec §1 non-goals: "implementing the signature algorithm
	// itself (delegated to a TRON client library)"); this wrapper's
	// job is to assemble N signatures onto the unsigned envelope and
	// hand the fully-signed transaction back.
	var out struct {
		TxID       string `json:"txID"`
		RawDataHex string `json:"raw_data_hex"`
	}
	if err := c.do(ctx, c.cfg.ReadTimeout, http.MethodPost, "/wallet/gettransactionsign",
		map[string]interface{}{"transaction": string(tx.Raw), "privateKeys": privateKeyHexes},
		&out); err != nil {
		return nil, err
	}
	return &SignedTx{Raw: []byte(out.RawDataHex), TxHash: out.TxID}, nil
}

func (c *tronClient) Broadcast(ctx context.Context, tx *SignedTx) (TransactionInfo, error) {
	var out struct {
		Result  bool   `json:"result"`
		TxID    string `json:"txid"`
		Message string `json:"message"`
	}
	if err := c.do(ctx, c.cfg.BroadcastTimeout, http.MethodPost, "/wallet/broadcasttransaction",
		map[string]interface{}{"transaction": string(tx.Raw)}, &out); err != nil {
		return TransactionInfo{}, err
	}
	if !out.Result {
		return TransactionInfo{}, fmt.Errorf("broadcast rejected: %s", out.Message)
	}
	return TransactionInfo{TxHash: tx.TxHash}, nil
}

func (c *tronClient) DeriveAddress(privateKeyHex string) (string, error) {
	return DeriveTronAddress(privateKeyHex)
}

func (c *tronClient) CreateMultisigWallet(ctx context.Context, perm MultisigPermission) error {
	return c.do(ctx, c.cfg.ReadTimeout, http.MethodPost, "/wallet/accountpermissionupdate",
		map[string]interface{}{
			"owner_address": perm.Address,
			"active_permissions": []map[string]interface{}{{
				"threshold": perm.Threshold,
				"keys": func() []map[string]interface{} {
					keys := make([]map[string]interface{}, len(perm.Signers))
					for i, s := range perm.Signers {
						keys[i] = map[string]interface{}{"address": s, "weight": 1}
					}
					return keys
				}(),
			}},
		}, nil)
}
