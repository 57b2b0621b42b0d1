package contract

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

func PrivateKeyToAddress(privateK string) (common.Address, error) {
	if len(strings.TrimSpace(privateK)) == 0 {
		return common.Address{}, fmt.Errorf("wallet address private key must be not empty")
	}

	privateKey, err := crypto.HexToECDSA(privateK)
	if err != nil {
		return common.Address{}, fmt.Errorf("parses private key error: %+v", err)
	}

	publicKey := privateKey.Public()
	publicKeyECDSA, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return common.Address{}, fmt.Errorf("cannot assert type: publicKey is not of type *ecdsa.PublicKey")
	}
	return crypto.PubkeyToAddress(*publicKeyECDSA), nil
}

// NewTransactOpts builds signer options for the operator key with a fresh
// nonce and a gas fee cap of 1.5x the suggested price.
func NewTransactOpts(ctx context.Context, client *ethclient.Client, privateK string) (*bind.TransactOpts, error) {
	publicAddress, err := PrivateKeyToAddress(privateK)
	if err != nil {
		return nil, err
	}

	nonce, err := client.PendingNonceAt(ctx, publicAddress)
	if err != nil {
		return nil, fmt.Errorf("address: %s, get nonce error: %+v", publicAddress, err)
	}

	suggestGasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("address: %s, retrieves the currently suggested gas price, error: %+v", publicAddress, err)
	}

	chainId, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("address: %s, get networkId, error: %+v", publicAddress, err)
	}

	privateKey, err := crypto.HexToECDSA(privateK)
	if err != nil {
		return nil, fmt.Errorf("parses private key error: %+v", err)
	}

	txOptions, err := bind.NewKeyedTransactorWithChainID(privateKey, chainId)
	if err != nil {
		return nil, fmt.Errorf("address: %s, create transaction, error: %+v", publicAddress, err)
	}
	txOptions.Nonce = big.NewInt(int64(nonce))
	suggestGasPrice = suggestGasPrice.Mul(suggestGasPrice, big.NewInt(3))
	suggestGasPrice = suggestGasPrice.Div(suggestGasPrice, big.NewInt(2))
	txOptions.GasFeeCap = suggestGasPrice
	txOptions.Context = ctx
	return txOptions, nil
}

// ErrNotSubmitted wraps failures that happen before a signed transaction is
// handed to the node. Such a call had no effect on chain.
var ErrNotSubmitted = errors.New("transaction not submitted")

// Submit signs the transaction produced by build and broadcasts it. Failures up
// to signing wrap ErrNotSubmitted; a broadcast error leaves the outcome open,
// since the node may have accepted the transaction before the error.
func Submit(ctx context.Context, client *ethclient.Client, privateK string, build func(opts *bind.TransactOpts) (*types.Transaction, error)) (*types.Transaction, error) {
	txOptions, err := NewTransactOpts(ctx, client, privateK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSubmitted, err)
	}
	txOptions.NoSend = true
	transaction, err := build(txOptions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSubmitted, err)
	}
	if err := client.SendTransaction(ctx, transaction); err != nil {
		return transaction, fmt.Errorf("send transaction %s: %w", transaction.Hash().Hex(), err)
	}
	return transaction, nil
}

// JobKey maps an opaque broker id onto the bytes32 key used by the contracts.
func JobKey(id string) [32]byte {
	var key [32]byte
	copy(key[:], crypto.Keccak256([]byte(id)))
	return key
}
