package wallet

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func newTestWallet(t *testing.T) *LocalWallet {
	t.Helper()
	ks, err := OpenMemoryKeystore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })
	w, err := NewWallet(ks)
	require.NoError(t, err)
	return w
}

func TestNewKeyIsUsableBySigner(t *testing.T) {
	w := newTestWallet(t)
	ctx := context.Background()

	addr, err := w.WalletNew(ctx)
	require.NoError(t, err)

	key, err := w.Key(strings.ToLower(addr))
	require.NoError(t, err)
	pk, err := crypto.HexToECDSA(key)
	require.NoError(t, err)
	require.Equal(t, addr, crypto.PubkeyToAddress(pk.PublicKey).Hex())

	list, err := w.WalletList(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, addr, list[0].Address)
}

func TestImportExportDelete(t *testing.T) {
	w := newTestWallet(t)
	ctx := context.Background()

	pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := hexutil.Encode(crypto.FromECDSA(pk))

	addr, err := w.WalletImport(ctx, &KeyInfo{PrivateKey: hexKey})
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(pk.PublicKey).Hex(), addr)

	_, err = w.WalletImport(ctx, &KeyInfo{PrivateKey: hexKey})
	require.ErrorIs(t, err, ErrKeyExists)

	ki, err := w.WalletExport(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, strings.TrimPrefix(hexKey, "0x"), ki.PrivateKey)

	require.NoError(t, w.WalletDelete(ctx, addr))
	_, err = w.Key(addr)
	require.ErrorIs(t, err, ErrKeyInfoNotFound)
	require.NoError(t, w.WalletDelete(ctx, addr))
}

func TestKeyRejectsMalformedAddress(t *testing.T) {
	w := newTestWallet(t)
	_, err := w.Key("not-an-address")
	require.Error(t, err)
}
