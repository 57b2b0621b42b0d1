package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lagrangedao/go-computing-broker/build"
	"github.com/lagrangedao/go-computing-broker/util"
	"github.com/urfave/cli/v2"
)

const (
	FlagBrokerRepo = "broker-repo"
	FlagApiUrl     = "api-url"
)

func main() {
	app := &cli.App{
		Name:                 "computing-broker",
		Usage:                "A broker that matches compute jobs with providers and settles payment through on-chain escrow.",
		EnableBashCompletion: true,
		Version:              build.UserVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    FlagBrokerRepo,
				EnvVars: []string{"BROKER_PATH"},
				Usage:   "broker repo path",
				Value:   "~/.swan/broker",
			},
			&cli.StringFlag{
				Name:    FlagApiUrl,
				EnvVars: []string{"BROKER_API"},
				Usage:   "broker api url used by the management commands, defaults to the configured port on localhost",
			},
		},
		Commands: []*cli.Command{
			runCmd,
			jobCmd,
			txCmd,
			reputationCmd,
			walletCmd,
		},
	}
	app.Setup()

	if err := app.Run(os.Args); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func repoPath(cctx *cli.Context) (string, error) {
	p := cctx.String(FlagBrokerRepo)
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", fmt.Errorf("create broker repo %s: %w", p, err)
	}
	return p, nil
}

func reqContext(cctx *cli.Context) context.Context {
	return util.ReqContext(cctx.Context)
}
