package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/lagrangedao/go-computing-broker/conf"
	"github.com/lagrangedao/go-computing-broker/wallet"
	"github.com/urfave/cli/v2"
)

var walletCmd = &cli.Command{
	Name:  "wallet",
	Usage: "Manage the operator keys that sign settlement transactions",
	Subcommands: []*cli.Command{
		walletNew,
		walletList,
		walletExport,
		walletImport,
		walletDelete,
	},
}

func openWallet(cctx *cli.Context) (*wallet.LocalWallet, error) {
	repo, err := repoPath(cctx)
	if err != nil {
		return nil, err
	}
	return wallet.SetupWallet(repo)
}

var walletNew = &cli.Command{
	Name:  "new",
	Usage: "Generate a new key",
	Action: func(cctx *cli.Context) error {
		ctx := reqContext(cctx)
		localWallet, err := openWallet(cctx)
		if err != nil {
			return err
		}
		defer localWallet.Close()

		addr, err := localWallet.WalletNew(ctx)
		if err != nil {
			return err
		}
		fmt.Println(addr)
		return nil
	},
}

var walletList = &cli.Command{
	Name:  "list",
	Usage: "List wallet address",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "rpc",
			Usage: "read balance and nonce from this rpc, defaults to CHAIN.Rpc of the config",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := reqContext(cctx)

		rpc := cctx.String("rpc")
		if rpc == "" {
			if repo, err := repoPath(cctx); err == nil {
				if cfg, err := conf.Load(repo); err == nil {
					rpc = cfg.CHAIN.Rpc
				}
			}
		}

		localWallet, err := openWallet(cctx)
		if err != nil {
			return err
		}
		defer localWallet.Close()

		wallets, err := localWallet.WalletList(ctx, rpc)
		if err != nil {
			return err
		}

		header := []string{"ADDRESS", "BALANCE", "NONCE", "ERROR"}
		var data [][]string
		for _, w := range wallets {
			data = append(data, []string{w.Address, w.Balance, strconv.FormatUint(w.Nonce, 10), w.Error})
		}
		NewVisualTable(header, data, nil).Generate()
		return nil
	},
}

var walletExport = &cli.Command{
	Name:      "export",
	Usage:     "export keys",
	ArgsUsage: "[address]",
	Action: func(cctx *cli.Context) error {
		ctx := reqContext(cctx)
		if !cctx.Args().Present() {
			return fmt.Errorf("must specify key to export")
		}

		localWallet, err := openWallet(cctx)
		if err != nil {
			return err
		}
		defer localWallet.Close()

		ki, err := localWallet.WalletExport(ctx, cctx.Args().First())
		if err != nil {
			return err
		}

		fmt.Println(ki.PrivateKey)
		return nil
	},
}

var walletImport = &cli.Command{
	Name:      "import",
	Usage:     "import keys",
	ArgsUsage: "[<path> (optional, will read from stdin if omitted)]",
	Action: func(cctx *cli.Context) error {
		ctx := reqContext(cctx)

		var inpdata []byte
		if !cctx.Args().Present() || cctx.Args().First() == "-" {
			reader := bufio.NewReader(os.Stdin)
			fmt.Print("Enter private key: ")
			indata, err := reader.ReadBytes('\n')
			if err != nil {
				return err
			}
			inpdata = indata
		} else {
			fdata, err := os.ReadFile(cctx.Args().First())
			if err != nil {
				return err
			}
			inpdata = fdata
		}

		localWallet, err := openWallet(cctx)
		if err != nil {
			return err
		}
		defer localWallet.Close()

		ki := wallet.KeyInfo{PrivateKey: strings.TrimSpace(string(inpdata))}
		addr, err := localWallet.WalletImport(ctx, &ki)
		if err != nil {
			return err
		}

		color.Green("imported key %s successfully!", addr)
		return nil
	},
}

var walletDelete = &cli.Command{
	Name:      "delete",
	Usage:     "Delete an account from the wallet",
	ArgsUsage: "<address> ",
	Action: func(cctx *cli.Context) error {
		ctx := reqContext(cctx)
		if !cctx.Args().Present() || cctx.NArg() != 1 {
			return fmt.Errorf("must specify address to delete")
		}

		localWallet, err := openWallet(cctx)
		if err != nil {
			return err
		}
		defer localWallet.Close()

		return localWallet.WalletDelete(ctx, cctx.Args().First())
	},
}
