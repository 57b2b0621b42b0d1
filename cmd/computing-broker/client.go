package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lagrangedao/go-computing-broker/conf"
	"github.com/lagrangedao/go-computing-broker/internal/api"
	"github.com/urfave/cli/v2"
)

// apiClient drives a running broker as an operator.
type apiClient struct {
	base string
	http *http.Client
}

type envelope struct {
	Status    string          `json:"status"`
	Code      int             `json:"code"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorKind string          `json:"error_kind"`
}

func newApiClient(cctx *cli.Context) (*apiClient, error) {
	base := cctx.String(FlagApiUrl)
	if base == "" {
		repo, err := repoPath(cctx)
		if err != nil {
			return nil, err
		}
		cfg, err := conf.Load(repo)
		if err != nil {
			return nil, fmt.Errorf("load config file failed, error: %+v", err)
		}
		scheme := "http"
		if cfg.API.CrtFile != "" {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://127.0.0.1:%d", scheme, cfg.API.Port)
	}
	return &apiClient{
		base: strings.TrimSuffix(base, "/") + "/api/v1/broker",
		http: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.HeaderUserID, "cli")
	req.Header.Set(api.HeaderRole, "admin")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response of %s %s, status %d: %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices || env.ErrorKind != "" {
		return fmt.Errorf("%s (%s, http %d)", env.Message, env.ErrorKind, resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}
