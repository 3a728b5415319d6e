package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/budyz/nft-gateway/chain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrBadContract  = errors.New("invalid contract address")
	ErrBadSender    = errors.New("invalid sender address")
	ErrKeyMismatch  = errors.New("private key does not match sender address")
	ErrBalanceRange = errors.New("holding does not fit in uint64")
)

const DefaultConfirmTimeout = 3 * time.Minute

type Config struct {
	// RPC endpoint url
	Url string
	// HTTP Client to use. Digest auth or proxying goes here
	Client *http.Client
	// Chain id used for signing
	ChainID uint64
	// Collection contract address
	Contract string
	// Address the delivered assets are sent from
	Sender string
	// Hex encoded private key of the sender
	SenderKey string
	// Bound on the confirmation wait before reporting uncertainty
	ConfirmTimeout time.Duration
}

// Chain talks ERC-1155 to an EVM endpoint, signing locally with the
// sender key.
type Chain struct {
	client         *ethclient.Client
	chainID        *big.Int
	contract       common.Address
	sender         common.Address
	key            *ecdsa.PrivateKey
	confirmTimeout time.Duration
}

var _ chain.Client = (*Chain)(nil)

func New(ctx context.Context, config Config) (c *Chain, err error) {
	if !common.IsHexAddress(config.Contract) {
		return nil, ErrBadContract
	}
	if !common.IsHexAddress(config.Sender) {
		return nil, ErrBadSender
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(config.SenderKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse sender key: %w", err)
	}

	sender := common.HexToAddress(config.Sender)
	if crypto.PubkeyToAddress(key.PublicKey) != sender {
		return nil, ErrKeyMismatch
	}

	var opts []rpc.ClientOption
	if config.Client != nil {
		opts = append(opts, rpc.WithHTTPClient(config.Client))
	}
	rpcClient, err := rpc.DialOptions(ctx, config.Url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc endpoint: %w", err)
	}

	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = DefaultConfirmTimeout
	}

	return &Chain{
		client:         ethclient.NewClient(rpcClient),
		chainID:        new(big.Int).SetUint64(config.ChainID),
		contract:       common.HexToAddress(config.Contract),
		sender:         sender,
		key:            key,
		confirmTimeout: config.ConfirmTimeout,
	}, nil
}

func (c *Chain) Close() {
	c.client.Close()
}

func (c *Chain) ValidateAddress(ctx context.Context, req chain.ValidateAddressRequest) (err error) {
	if !common.IsHexAddress(req.Address) {
		return chain.ErrInvalidAddress
	}
	return nil
}

func (c *Chain) Balance(ctx context.Context, req chain.BalanceRequest) (balance chain.Balance, err error) {
	if !common.IsHexAddress(req.Holder) {
		return balance, chain.ErrInvalidAddress
	}

	data, err := erc1155.Pack("balanceOf", common.HexToAddress(req.Holder), new(big.Int).SetUint64(req.TokenID))
	if err != nil {
		return balance, fmt.Errorf("failed to pack balanceOf: %w", err)
	}

	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return balance, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	results, err := erc1155.Unpack("balanceOf", out)
	if err != nil {
		return balance, fmt.Errorf("failed to unpack balanceOf: %w", err)
	}
	units, ok := results[0].(*big.Int)
	if !ok {
		return balance, fmt.Errorf("unexpected balanceOf result type %T", results[0])
	}
	if !units.IsUint64() {
		return balance, ErrBalanceRange
	}

	return chain.Balance{
		Holder:  req.Holder,
		TokenID: req.TokenID,
		Units:   units.Uint64(),
	}, nil
}

// Transfer submits one safeTransferFrom and waits for it to be mined
// within the configured bound. A reverted transaction moved nothing and
// is reported as a submission failure; a timeout is reported as
// uncertain, with the transaction hash attached so the caller can keep
// watching it.
func (c *Chain) Transfer(ctx context.Context, req chain.TransferRequest) (receipt chain.Receipt, err error) {
	if !common.IsHexAddress(req.To) {
		return receipt, chain.ErrInvalidAddress
	}
	if common.HexToAddress(req.From) != c.sender {
		return receipt, fmt.Errorf("%w: source %s is not the signing account", chain.ErrSubmissionFailed, req.From)
	}

	data, err := erc1155.Pack(
		"safeTransferFrom",
		c.sender,
		common.HexToAddress(req.To),
		new(big.Int).SetUint64(req.TokenID),
		new(big.Int).SetUint64(req.Units),
		[]byte{},
	)
	if err != nil {
		return receipt, fmt.Errorf("%w: failed to pack safeTransferFrom: %v", chain.ErrSubmissionFailed, err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return receipt, fmt.Errorf("%w: failed to fetch nonce: %v", chain.ErrSubmissionFailed, err)
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return receipt, fmt.Errorf("%w: failed to fetch gas price: %v", chain.ErrSubmissionFailed, err)
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     c.sender,
		To:       &c.contract,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		// Estimation fails when the call would revert, e.g. sender out of
		// stock on chain. Nothing was submitted.
		return receipt, fmt.Errorf("%w: failed to estimate gas: %v", chain.ErrSubmissionFailed, err)
	}

	tx := types.NewTransaction(nonce, c.contract, new(big.Int), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return receipt, fmt.Errorf("%w: failed to sign transaction: %v", chain.ErrSubmissionFailed, err)
	}

	err = c.client.SendTransaction(ctx, signed)
	if err != nil {
		return receipt, fmt.Errorf("%w: %v", chain.ErrSubmissionFailed, err)
	}

	receipt = chain.Receipt{
		TxID:  signed.Hash().Hex(),
		Units: req.Units,
	}
	if req.Submitted != nil {
		req.Submitted(receipt.TxID)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	mined, err := bind.WaitMined(waitCtx, c.client, signed)
	if err != nil {
		return receipt, fmt.Errorf("%w: %s", chain.ErrConfirmationTimeout, receipt.TxID)
	}
	if mined.Status != types.ReceiptStatusSuccessful {
		// Mined but reverted: no assets moved, safe to retry.
		return receipt, fmt.Errorf("%w: transaction %s reverted", chain.ErrSubmissionFailed, receipt.TxID)
	}

	receipt.Confirmed = true
	return receipt, nil
}

func (c *Chain) Transaction(ctx context.Context, req chain.TransactionRequest) (tx chain.Transaction, err error) {
	tx = chain.Transaction{TxID: req.TxID}
	hash := common.HexToHash(req.TxID)

	mined, err := c.client.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		if mined.Status == types.ReceiptStatusSuccessful {
			tx.Status = chain.TransactionStatusConfirmed
		} else {
			tx.Status = chain.TransactionStatusFailed
		}
		return tx, nil
	case errors.Is(err, ethereum.NotFound):
	default:
		return tx, fmt.Errorf("failed to fetch receipt: %w", err)
	}

	_, pending, err := c.client.TransactionByHash(ctx, hash)
	switch {
	case err == nil && pending:
		tx.Status = chain.TransactionStatusPending
	case err == nil:
		// Known but not yet executed
		tx.Status = chain.TransactionStatusPending
	case errors.Is(err, ethereum.NotFound):
		tx.Status = chain.TransactionStatusNotFound
		err = nil
	default:
		return tx, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	return tx, err
}
