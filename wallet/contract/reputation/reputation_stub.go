package reputation

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

type Summary struct {
	Score        *big.Int
	TotalRatings *big.Int
	RatingSum    *big.Int
}

type Stub struct {
	client     *ethclient.Client
	reputation *Main
	privateK   string
}

type Option func(*Stub)

func WithPrivateKey(pk string) Option {
	return func(obj *Stub) {
		obj.privateK = pk
	}
}

func NewReputationStub(client *ethclient.Client, reputationAddr string, options ...Option) (*Stub, error) {
	stub := &Stub{}
	for _, option := range options {
		option(stub)
	}

	if len(strings.TrimSpace(reputationAddr)) == 0 {
		return nil, fmt.Errorf("cannot found reputation contract address")
	}
	reputationClient, err := NewMain(common.HexToAddress(reputationAddr), client)
	if err != nil {
		return nil, fmt.Errorf("create reputation contract client, error: %+v", err)
	}

	stub.reputation = reputationClient
	stub.client = client
	return stub, nil
}

func (s *Stub) SubmitRating(ctx context.Context, provider common.Address, jobID [32]byte, rating uint8) (*types.Transaction, error) {
	transaction, err := contract.Submit(ctx, s.client, s.privateK, func(txOptions *bind.TransactOpts) (*types.Transaction, error) {
		return s.reputation.SubmitRating(txOptions, provider, jobID, rating)
	})
	if err != nil {
		return nil, fmt.Errorf("reputation contract submit rating: %w", err)
	}
	return transaction, nil
}

func (s *Stub) Get(ctx context.Context, provider common.Address) (Summary, error) {
	if provider == (common.Address{}) {
		return Summary{}, fmt.Errorf("wallet address must be not empty")
	}
	out, err := s.reputation.GetReputation(&bind.CallOpts{Context: ctx}, provider)
	if err != nil {
		return Summary{}, fmt.Errorf("address: %s, read reputation contract, error: %+v", provider, err)
	}
	return Summary{Score: out.Score, TotalRatings: out.TotalRatings, RatingSum: out.RatingSum}, nil
}
