package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/budyz/nft-gateway/chain/evm"
	"github.com/budyz/nft-gateway/gateway"
	"github.com/budyz/nft-gateway/internal/piapi"
	"github.com/budyz/nft-gateway/payments/pi"
	"github.com/budyz/nft-gateway/supply"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/gabstv/httpdigest"
	"github.com/shopspring/decimal"
	"golang.org/x/net/proxy"
)

// Yaml configuration reference
type (
	PiAPI struct {
		Url string `yaml:"url"`
		Key string `yaml:"key"`
		// Optional SOCKS5 proxy for outbound processor calls
		SocksProxy string        `yaml:"socks-proxy,omitempty"`
		Timeout    time.Duration `yaml:"timeout"`
	}
	ChainRPC struct {
		Url            string        `yaml:"url"`
		Username       *string       `yaml:"username,omitempty"`
		Password       *string       `yaml:"password,omitempty"`
		ChainID        uint64        `yaml:"chain-id"`
		Contract       string        `yaml:"contract-address"`
		TokenID        uint64        `yaml:"token-id"`
		Sender         string        `yaml:"sender-address"`
		SenderKey      string        `yaml:"sender-key"`
		ConfirmTimeout time.Duration `yaml:"confirm-timeout"`
	}
	Config struct {
		ListenAddress   string        `yaml:"listen-address"`
		DatabasePath    string        `yaml:"database-path"`
		ProcessInterval time.Duration `yaml:"process-interval"`
		MaxSupply       uint64        `yaml:"max-supply"`
		WalletCap       uint64        `yaml:"wallet-cap"`
		MaxPerRequest   uint64        `yaml:"max-per-request"`
		UnitPrice       string        `yaml:"unit-price"`
		PayeeWallet     string        `yaml:"payee-wallet"`
		QueryTimeout    time.Duration `yaml:"query-timeout"`
		Pi              PiAPI         `yaml:"pi"`
		Chain           ChainRPC      `yaml:"chain"`
	}
)

func (c *Config) piHTTPClient() (client *http.Client, err error) {
	client = &http.Client{Timeout: c.Pi.Timeout}
	if c.Pi.SocksProxy == "" {
		return client, nil
	}

	dialer, err := proxy.SOCKS5("tcp", c.Pi.SocksProxy, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare socks proxy: %w", err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks proxy does not support context dialing")
	}

	client.Transport = &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (conn net.Conn, err error) {
			return contextDialer.DialContext(ctx, network, addr)
		},
	}
	return client, nil
}

func (c *Config) Compile(ctx context.Context) (ctrl *gateway.Controller, db *badger.DB, piClient *piapi.Client, err error) {
	unitPrice, err := decimal.NewFromString(c.UnitPrice)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse unit price: %w", err)
	}

	piHTTP, err := c.piHTTPClient()
	if err != nil {
		return nil, nil, nil, err
	}
	piClient = piapi.New(piapi.Config{
		Url:    c.Pi.Url,
		Key:    c.Pi.Key,
		Client: piHTTP,
	})

	var chainHTTP http.Client
	if c.Chain.Username != nil && c.Chain.Password != nil {
		chainHTTP.Transport = httpdigest.New(*c.Chain.Username, *c.Chain.Password)
	}

	evmChain, err := evm.New(ctx, evm.Config{
		Url:            c.Chain.Url,
		Client:         &chainHTTP,
		ChainID:        c.Chain.ChainID,
		Contract:       c.Chain.Contract,
		Sender:         c.Chain.Sender,
		SenderKey:      c.Chain.SenderKey,
		ConfirmTimeout: c.Chain.ConfirmTimeout,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to prepare chain client: %w", err)
	}

	db, err = badger.Open(badger.DefaultOptions(c.DatabasePath))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	ledger, err := supply.New(supply.Config{DB: db, MaxUnits: c.MaxSupply})
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to load supply ledger: %w", err)
	}

	ctrl = gateway.New(gateway.Config{
		DB:            db,
		Ledger:        ledger,
		Verifier:      pi.New(pi.Config{Client: piClient}),
		Chain:         evmChain,
		Payee:         c.PayeeWallet,
		UnitPrice:     unitPrice,
		WalletCap:     c.WalletCap,
		MaxPerRequest: c.MaxPerRequest,
		TokenID:       c.Chain.TokenID,
		Sender:        c.Chain.Sender,
		QueryTimeout:  c.QueryTimeout,
	})
	return ctrl, db, piClient, nil
}
