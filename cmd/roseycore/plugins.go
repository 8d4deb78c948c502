package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roseybot/roseycore/internal/plugin"
)

// opsClient is a minimal HTTP client for the daemon's ops API.
type opsClient struct {
	base  string
	token string
	http  *http.Client
}

func newOpsClient(flags *pflag.FlagSet) *opsClient {
	addr, _ := flags.GetString("addr")
	token, _ := flags.GetString("token")
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &opsClient{
		base:  strings.TrimRight(addr, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *opsClient) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ops api unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, resp.Status)
		}
		return fmt.Errorf("ops api returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func runPluginsList(cmd *cobra.Command, _ []string) error {
	var resp struct {
		Plugins []plugin.Info `json:"plugins"`
	}
	if err := newOpsClient(cmd.Flags()).do(http.MethodGet, "/v1/plugins", &resp); err != nil {
		return err
	}
	if len(resp.Plugins) == 0 {
		fmt.Println("no plugins loaded")
		return nil
	}
	fmt.Printf("%-20s %-10s %-8s %-10s %s\n", "ID", "STATE", "PID", "RESTARTS", "COMMANDS")
	for _, p := range resp.Plugins {
		pid := "-"
		if p.PID != 0 {
			pid = fmt.Sprintf("%d", p.PID)
		}
		fmt.Printf("%-20s %-10s %-8s %-10d %s\n", p.ID, p.State, pid, p.Restarts, strings.Join(p.Commands, ","))
	}
	return nil
}

// runPluginLifecycle builds the start/stop/restart RunE for one verb.
func runPluginLifecycle(verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id := args[0]
		var resp map[string]any
		if err := newOpsClient(cmd.Flags()).do(http.MethodPost, "/v1/plugins/"+id+"/"+verb, &resp); err != nil {
			return err
		}
		state, _ := resp["state"].(string)
		if graceful, ok := resp["graceful"].(bool); ok && !graceful {
			fmt.Printf("%s %s: state=%s (killed after grace period)\n", verb, id, state)
			return nil
		}
		fmt.Printf("%s %s: state=%s\n", verb, id, state)
		return nil
	}
}
