package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/lagrangedao/go-computing-broker/internal/settlement"
	"golang.org/x/xerrors"
)

const (
	WalletRepo  = "keystore"
	KNamePrefix = "wallet-"
)

var (
	ErrKeyInfoNotFound = fmt.Errorf("key info not found")
	ErrKeyExists       = fmt.Errorf("key already exists")
)

var reAddress = regexp.MustCompile("^0x[0-9a-fA-F]{40}$")

// SetupWallet opens the keystore under the broker repo.
func SetupWallet(repoPath string) (*LocalWallet, error) {
	kstore, err := OpenOrInitKeystore(filepath.Join(repoPath, WalletRepo))
	if err != nil {
		return nil, err
	}
	return NewWallet(kstore)
}

// LocalWallet holds the operator keys that sign settlement transactions.
type LocalWallet struct {
	keys     map[string]*KeyInfo
	keystore KeyStore

	lk sync.Mutex
}

func NewWallet(keystore KeyStore) (*LocalWallet, error) {
	w := &LocalWallet{
		keys:     make(map[string]*KeyInfo),
		keystore: keystore,
	}
	return w, nil
}

// Close releases the keystore.
func (w *LocalWallet) Close() {
	if c, ok := w.keystore.(io.Closer); ok {
		_ = c.Close()
	}
}

// Info is one row of WalletList.
type Info struct {
	Address string
	Balance string
	Nonce   uint64
	Error   string
}

func normalize(addr string) (string, error) {
	if !reAddress.MatchString(addr) {
		return "", xerrors.Errorf("invalid address %q", addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

// Key returns the private key of addr for the settlement signer.
func (w *LocalWallet) Key(addr string) (string, error) {
	ki, err := w.findKey(addr)
	if err != nil {
		return "", err
	}
	if ki == nil {
		return "", xerrors.Errorf("operator key '%s': %w", addr, ErrKeyInfoNotFound)
	}
	return ki.PrivateKey, nil
}

func (w *LocalWallet) findKey(addr string) (*KeyInfo, error) {
	addr, err := normalize(addr)
	if err != nil {
		return nil, err
	}

	w.lk.Lock()
	defer w.lk.Unlock()

	if k, ok := w.keys[addr]; ok {
		return k, nil
	}

	ki, err := w.keystore.Get(KNamePrefix + addr)
	if err != nil {
		if xerrors.Is(err, ErrKeyInfoNotFound) {
			return nil, nil
		}
		return nil, xerrors.Errorf("getting from keystore: %w", err)
	}

	w.keys[addr] = &ki
	return &ki, nil
}

func (w *LocalWallet) WalletExport(ctx context.Context, addr string) (*KeyInfo, error) {
	k, err := w.findKey(addr)
	if err != nil {
		return nil, xerrors.Errorf("failed to find key to export: %w", err)
	}
	if k == nil {
		return nil, xerrors.Errorf("private key not found for %s", addr)
	}

	return k, nil
}

func (w *LocalWallet) WalletImport(ctx context.Context, ki *KeyInfo) (string, error) {
	if ki == nil || len(strings.TrimSpace(ki.PrivateKey)) == 0 {
		return "", fmt.Errorf("not found private key")
	}
	ki.PrivateKey = strings.TrimPrefix(strings.TrimSpace(ki.PrivateKey), "0x")

	_, publicKeyECDSA, err := ToPublic(ki.PrivateKey)
	if err != nil {
		return "", err
	}

	address := crypto.PubkeyToAddress(*publicKeyECDSA).Hex()
	if existing, err := w.findKey(address); err != nil {
		return "", err
	} else if existing != nil {
		return "", xerrors.Errorf("%s: %w", address, ErrKeyExists)
	}

	w.lk.Lock()
	defer w.lk.Unlock()
	if err := w.keystore.Put(KNamePrefix+address, *ki); err != nil {
		return "", xerrors.Errorf("saving to keystore: %w", err)
	}
	w.keys[address] = ki
	return address, nil
}

// WalletList returns every stored address, with balance and nonce read from
// rpc when it is given.
func (w *LocalWallet) WalletList(ctx context.Context, rpc string) ([]Info, error) {
	addressList, err := w.addressList()
	if err != nil {
		return nil, err
	}

	wallets := make([]Info, 0, len(addressList))
	if rpc == "" {
		for _, addr := range addressList {
			wallets = append(wallets, Info{Address: addr})
		}
		return wallets, nil
	}

	client, err := ethclient.DialContext(ctx, rpc)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	for _, addr := range addressList {
		info := Info{Address: addr}
		balance, err := client.BalanceAt(ctx, common.HexToAddress(addr), nil)
		if err != nil {
			info.Error = err.Error()
		} else {
			info.Balance = settlement.FromWei(balance).String()
		}
		nonce, err := client.PendingNonceAt(ctx, common.HexToAddress(addr))
		if err != nil {
			info.Error = err.Error()
		}
		info.Nonce = nonce
		wallets = append(wallets, info)
	}
	return wallets, nil
}

func (w *LocalWallet) WalletNew(ctx context.Context) (string, error) {
	w.lk.Lock()
	defer w.lk.Unlock()

	privateK, err := crypto.GenerateKey()
	if err != nil {
		return "", err
	}

	privateKeyBytes := crypto.FromECDSA(privateK)
	privateKey := hexutil.Encode(privateKeyBytes)[2:]
	address := crypto.PubkeyToAddress(privateK.PublicKey).Hex()

	keyInfo := KeyInfo{PrivateKey: privateKey}
	if err := w.keystore.Put(KNamePrefix+address, keyInfo); err != nil {
		return "", xerrors.Errorf("saving to keystore: %w", err)
	}
	w.keys[address] = &keyInfo

	return address, nil
}

func (w *LocalWallet) WalletDelete(ctx context.Context, addr string) error {
	k, err := w.findKey(addr)
	if err != nil {
		return xerrors.Errorf("wallet delete: failed to delete key %s : %w", addr, err)
	}
	if k == nil {
		return nil // already not there
	}
	addr, _ = normalize(addr)

	w.lk.Lock()
	defer w.lk.Unlock()

	if err := w.keystore.Delete(KNamePrefix + addr); err != nil {
		return xerrors.Errorf("wallet delete: failed to delete key %s: %w", addr, err)
	}
	delete(w.keys, addr)
	return nil
}

func (w *LocalWallet) addressList() ([]string, error) {
	all, err := w.keystore.List()
	if err != nil {
		return nil, xerrors.Errorf("listing keystore: %w", err)
	}

	addressList := make([]string, 0, len(all))
	for _, a := range all {
		if strings.HasPrefix(a, KNamePrefix) {
			addressList = append(addressList, strings.TrimPrefix(a, KNamePrefix))
		}
	}
	return addressList, nil
}

// ToPublic converts private key to public key
func ToPublic(priv string) (string, *ecdsa.PublicKey, error) {
	if len(strings.TrimSpace(priv)) == 0 {
		return "", nil, fmt.Errorf("invalid private key")
	}

	privateKeyBytes, err := hex.DecodeString(priv)
	if err != nil {
		return "", nil, err
	}

	privateKey, err := crypto.ToECDSA(privateKeyBytes)
	if err != nil {
		return "", nil, err
	}

	publicKeyBytes := crypto.FromECDSAPub(&privateKey.PublicKey)
	publicK := hexutil.Encode(publicKeyBytes)[4:]
	return publicK, &privateKey.PublicKey, nil
}
