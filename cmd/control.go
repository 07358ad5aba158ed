package cmd

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

	"github.com/JakeFAU/newsfrontier/internal/config"
)

const controlTimeout = 10 * time.Second

// controlClient talks to a running job's control endpoint.
type controlClient struct {
	base string
	http *http.Client
}

func newControlClient(root *rootOptions) (*controlClient, error) {
	cfg, err := config.Load(root.configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	addr := cfg.Control.Addr
	if root.addr != "" {
		addr = root.addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &controlClient{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: controlTimeout},
	}, nil
}

// do sends a request and returns the body of a 2xx response.
func (c *controlClient) do(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	return body, nil
}

func newControlCmd(root *rootOptions, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newControlClient(root)
			if err != nil {
				return err
			}
			body, err := client.do(cmd.Context(), http.MethodPost, "/v1/control/"+action)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the running job's status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newControlClient(root)
			if err != nil {
				return err
			}
			body, err := client.do(cmd.Context(), http.MethodGet, "/v1/status")
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}

func printJSON(w io.Writer, body []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		_, werr := w.Write(body)
		return werr
	}
	out.WriteByte('\n')
	if _, err := out.WriteTo(w); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
