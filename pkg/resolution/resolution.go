// Package resolution gathers the signed metadata the Ethereum app needs to
// clear sign a transaction: external plugin descriptors and ERC-20 token
// information.
package resolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru"
	"github.com/kilnfi/go-ledger-kiln/cal"
	"github.com/kilnfi/go-ledger-kiln/pkg/contract"
	"github.com/kilnfi/go-ledger-kiln/pkg/ethtx"
)

const defaultCacheSize = 32

var (
	ErrMalformedTx = errors.New("resolution: malformed transaction")
	ErrFetch       = errors.New("resolution: fetching metadata")
)

// LoadConfig locates the metadata services
type LoadConfig struct {
	PluginBaseURL       string
	CryptoAssetsBaseURL string

	// ExtraPlugins takes precedence over the remote plugin index
	ExtraPlugins cal.PluginIndex
}

// Options selects what to resolve
type Options struct {
	ExternalPlugins bool
	ERC20           bool
}

// PluginData is a signed external plugin descriptor, hex encoded
type PluginData struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// Resolution is the metadata to provide to the device before signing
type Resolution struct {
	ExternalPlugin []PluginData `json:"externalPlugin"`
	Erc20Tokens    []string     `json:"erc20Tokens"`
	Plugin         []string     `json:"plugin"`
}

func (r *Resolution) addToken(data string) {
	data = strings.TrimPrefix(data, "0x")
	for _, t := range r.Erc20Tokens {
		if t == data {
			return
		}
	}
	r.Erc20Tokens = append(r.Erc20Tokens, data)
}

// Config tunes the resolver
type Config struct {
	HTTPClient *retryablehttp.Client
	CacheSize  int
	Logger     log.Logger
}

// Resolver fetches and caches plugin indexes and token lists
type Resolver struct {
	client *retryablehttp.Client
	cache  *lru.Cache
	logger log.Logger
}

// New creates a resolver. A nil config uses a retrying client with the root
// logger.
func New(cfg *Config) (*Resolver, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Root()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = retryablehttp.NewClient()
		client.RetryMax = 3
		client.RetryWaitMin = 100 * time.Millisecond
		client.RetryWaitMax = time.Second
		client.Logger = logger
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Resolver{client: client, cache: cache, logger: logger}, nil
}

var defaultResolver *Resolver

func init() {
	var err error
	if defaultResolver, err = New(nil); err != nil {
		panic(err)
	}
}

// Resolve uses a shared resolver
func Resolve(ctx context.Context, serializedTx string, lc LoadConfig, opts Options) (*Resolution, error) {
	return defaultResolver.Resolve(ctx, serializedTx, lc, opts)
}

// Resolve collects the metadata for a hex encoded unsigned transaction
func (r *Resolver) Resolve(ctx context.Context, serializedTx string, lc LoadConfig, opts Options) (*Resolution, error) {
	raw, err := hexutil.Decode("0x" + strings.TrimPrefix(serializedTx, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	tx, err := ethtx.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}

	res := &Resolution{ExternalPlugin: []PluginData{}, Erc20Tokens: []string{}, Plugin: []string{}}
	selector, hasCall := tx.Selector()
	if tx.To == nil || !hasCall {
		return res, nil
	}
	logger := r.logger.With("to", tx.To.Hex())

	if opts.ExternalPlugins {
		entry, sel, ok := lc.ExtraPlugins.Lookup(*tx.To, selector)
		if !ok && lc.PluginBaseURL != "" {
			idx, err := r.pluginIndex(ctx, lc.PluginBaseURL)
			if err != nil {
				return nil, err
			}
			entry, sel, ok = idx.Lookup(*tx.To, selector)
		}
		if ok {
			logger.Debug("Resolved external plugin", "plugin", sel.Plugin, "selector", hexutil.Encode(selector[:]))
			res.ExternalPlugin = append(res.ExternalPlugin, PluginData{
				Payload:   strings.TrimPrefix(sel.SerializedData, "0x"),
				Signature: strings.TrimPrefix(sel.Signature, "0x"),
			})
			res.Plugin = append(res.Plugin, sel.Plugin)

			if len(sel.ERC20OfInterest) > 0 {
				if err := r.resolveTokensOfInterest(ctx, lc, tx, entry, sel, res); err != nil {
					return nil, err
				}
			}
		}
	}

	if opts.ERC20 && lc.CryptoAssetsBaseURL != "" {
		tok, ok, err := r.lookupToken(ctx, lc.CryptoAssetsBaseURL, tx.ChainID.Uint64(), *tx.To)
		if err != nil {
			return nil, err
		}
		if ok {
			logger.Debug("Resolved token", "ticker", tok.Ticker)
			res.addToken(tok.Data)
		}
	}
	return res, nil
}

// resolveTokensOfInterest decodes the calldata and adds every token referenced
// by an erc20OfInterest path, such as "fromToken" or "path.0" or "path.-1".
func (r *Resolver) resolveTokensOfInterest(ctx context.Context, lc LoadConfig, tx *ethtx.Tx, entry cal.ContractEntry, sel cal.SelectorEntry, res *Resolution) error {
	if len(entry.ABI) == 0 || lc.CryptoAssetsBaseURL == "" {
		return nil
	}
	a, err := contract.ParseABI(entry.ABI)
	if err != nil {
		return fmt.Errorf("resolution: parsing plugin abi: %w", err)
	}
	call, err := contract.UnpackWith(a, tx.Data)
	if err != nil {
		return fmt.Errorf("resolution: decoding calldata: %w", err)
	}
	for _, path := range sel.ERC20OfInterest {
		addr, ok := lookupPath(call, path)
		if !ok {
			r.logger.Debug("Token path not found", "path", path)
			continue
		}
		tok, ok, err := r.lookupToken(ctx, lc.CryptoAssetsBaseURL, tx.ChainID.Uint64(), addr)
		if err != nil {
			return err
		}
		if ok {
			res.addToken(tok.Data)
		}
	}
	return nil
}

func lookupPath(call *contract.Call, path string) (common.Address, bool) {
	parts := strings.Split(path, ".")
	var cur interface{}
	for i, in := range call.Method.Inputs {
		if in.Name == parts[0] {
			cur = call.Args[i]
			break
		}
	}
	if cur == nil {
		return common.Address{}, false
	}
	for _, p := range parts[1:] {
		list, ok := cur.([]common.Address)
		if !ok {
			return common.Address{}, false
		}
		var i int
		if _, err := fmt.Sscanf(p, "%d", &i); err != nil {
			return common.Address{}, false
		}
		if i < 0 {
			i += len(list)
		}
		if i < 0 || i >= len(list) {
			return common.Address{}, false
		}
		cur = list[i]
	}
	addr, ok := cur.(common.Address)
	return addr, ok
}

func (r *Resolver) pluginIndex(ctx context.Context, baseURL string) (cal.PluginIndex, error) {
	url := strings.TrimRight(baseURL, "/") + "/plugins/ethereum.json"
	if v, ok := r.cache.Get(url); ok {
		return v.(cal.PluginIndex), nil
	}
	var idx cal.PluginIndex
	if err := r.fetchJSON(ctx, url, &idx); err != nil {
		return nil, err
	}
	r.cache.Add(url, idx)
	return idx, nil
}

func (r *Resolver) tokens(ctx context.Context, baseURL string, chainID uint64) ([]cal.SignedToken, error) {
	url := fmt.Sprintf("%s/evm/%d/erc20.json", strings.TrimRight(baseURL, "/"), chainID)
	if v, ok := r.cache.Get(url); ok {
		return v.([]cal.SignedToken), nil
	}
	var list []cal.SignedToken
	if err := r.fetchJSON(ctx, url, &list); err != nil {
		return nil, err
	}
	r.cache.Add(url, list)
	return list, nil
}

func (r *Resolver) lookupToken(ctx context.Context, baseURL string, chainID uint64, addr common.Address) (cal.SignedToken, bool, error) {
	list, err := r.tokens(ctx, baseURL, chainID)
	if err != nil {
		return cal.SignedToken{}, false, err
	}
	for _, t := range list {
		if t.Address == addr {
			return t, true, nil
		}
	}
	return cal.SignedToken{}, false, nil
}

func (r *Resolver) fetchJSON(ctx context.Context, url string, v interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFetch, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %s: %s", ErrFetch, url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFetch, url, err)
	}
	r.logger.Trace("Fetched metadata", "url", url)
	return nil
}
