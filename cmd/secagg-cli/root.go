package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/flashbots/secagg/ledger"
)

const (
	ledgerKey  = "ledger"
	apiKeyKey  = "api-key"
	timeoutKey = "timeout"
)

func rootCommand() *cobra.Command {
	c := &cobra.Command{
		Use:           "secagg-cli",
		Short:         "Operate a secure aggregation federation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addGlobalFlags(c.PersistentFlags())
	c.AddCommand(
		keygenCommand(),
		participantsCommand(),
		servicesCommand(),
		roundCommand(),
	)
	return c
}

func addGlobalFlags(flags *pflag.FlagSet) {
	flags.String(ledgerKey, "http://localhost:8080", "Ledger host URL (ledger, blobs and directory)")
	flags.String(apiKeyKey, "", "Operator API key")
	flags.Duration(timeoutKey, 30*time.Second, "Timeout for each request")
}

// globalConfig holds the parsed persistent flags.
type globalConfig struct {
	LedgerURL string
	APIKey    string
	Timeout   time.Duration
}

func parseGlobalFlags(c *cobra.Command) (*globalConfig, error) {
	flags := c.Flags()
	ledgerURL, err := flags.GetString(ledgerKey)
	if err != nil {
		return nil, err
	}
	apiKey, err := flags.GetString(apiKeyKey)
	if err != nil {
		return nil, err
	}
	timeout, err := flags.GetDuration(timeoutKey)
	if err != nil {
		return nil, err
	}
	return &globalConfig{
		LedgerURL: strings.TrimSuffix(ledgerURL, "/"),
		APIKey:    apiKey,
		Timeout:   timeout,
	}, nil
}

func (g *globalConfig) ledger() *ledger.HTTPLedger {
	return ledger.NewHTTPLedger(g.LedgerURL, &http.Client{Timeout: g.Timeout}).WithAPIKey(g.APIKey)
}

func (g *globalConfig) client() *apiClient {
	return &apiClient{apiKey: g.APIKey, http: &http.Client{Timeout: g.Timeout}}
}

// apiClient calls the JSON endpoints of the services.
type apiClient struct {
	apiKey string
	http   *http.Client
}

// do sends body as JSON and decodes the response into out when out is not
// nil. Statuses outside 2xx are returned as errors carrying the body.
func (a *apiClient) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set(ledger.APIKeyHeader, a.apiKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %d %s", method, url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(c *cobra.Command, v any) error {
	enc := json.NewEncoder(c.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
