package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/lagrangedao/go-computing-broker/wallet/contract"
)

// Status values stored by the escrow contract.
const (
	StatusNone     uint8 = 0
	StatusPending  uint8 = 1
	StatusReleased uint8 = 2
	StatusRefunded uint8 = 3
)

type State struct {
	Client   common.Address
	Provider common.Address
	Amount   *big.Int
	Status   uint8
}

type Stub struct {
	client   *ethclient.Client
	escrow   *Main
	privateK string
}

type Option func(*Stub)

func WithPrivateKey(pk string) Option {
	return func(obj *Stub) {
		obj.privateK = pk
	}
}

func NewEscrowStub(client *ethclient.Client, escrowAddr string, options ...Option) (*Stub, error) {
	stub := &Stub{}
	for _, option := range options {
		option(stub)
	}

	if len(strings.TrimSpace(escrowAddr)) == 0 {
		return nil, fmt.Errorf("cannot found escrow contract address")
	}
	escrowClient, err := NewMain(common.HexToAddress(escrowAddr), client)
	if err != nil {
		return nil, fmt.Errorf("create escrow contract client, error: %+v", err)
	}

	stub.escrow = escrowClient
	stub.client = client
	return stub, nil
}

func (s *Stub) Create(ctx context.Context, id [32]byte, client, provider common.Address, amount *big.Int) (*types.Transaction, error) {
	transaction, err := contract.Submit(ctx, s.client, s.privateK, func(txOptions *bind.TransactOpts) (*types.Transaction, error) {
		return s.escrow.CreateEscrow(txOptions, id, client, provider, amount)
	})
	if err != nil {
		return nil, fmt.Errorf("escrow contract create: %w", err)
	}
	return transaction, nil
}

func (s *Stub) Release(ctx context.Context, id [32]byte) (*types.Transaction, error) {
	transaction, err := contract.Submit(ctx, s.client, s.privateK, func(txOptions *bind.TransactOpts) (*types.Transaction, error) {
		return s.escrow.ReleaseEscrow(txOptions, id)
	})
	if err != nil {
		return nil, fmt.Errorf("escrow contract release: %w", err)
	}
	return transaction, nil
}

func (s *Stub) Refund(ctx context.Context, id [32]byte) (*types.Transaction, error) {
	transaction, err := contract.Submit(ctx, s.client, s.privateK, func(txOptions *bind.TransactOpts) (*types.Transaction, error) {
		return s.escrow.RefundEscrow(txOptions, id)
	})
	if err != nil {
		return nil, fmt.Errorf("escrow contract refund: %w", err)
	}
	return transaction, nil
}

func (s *Stub) Get(ctx context.Context, id [32]byte) (State, error) {
	out, err := s.escrow.GetEscrow(&bind.CallOpts{Context: ctx}, id)
	if err != nil {
		return State{}, fmt.Errorf("read escrow contract, error: %+v", err)
	}
	return State{Client: out.Client, Provider: out.Provider, Amount: out.Amount, Status: out.Status}, nil
}
