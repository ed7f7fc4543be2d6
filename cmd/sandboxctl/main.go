// sandboxctl is the operator CLI for the sandbox daemon.
//
// "serve" runs the daemon itself: loads config, wires the registry, pool,
// and HTTP surfaces, and blocks until signalled. The other subcommands are
// thin HTTP clients against a running daemon's admin API.
//
// Build: go build -o sandboxctl ./cmd/sandboxctl
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pipeops/sandboxd/pkg/config"
	"github.com/pipeops/sandboxd/pkg/daemon"
	"github.com/pipeops/sandboxd/pkg/domain"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var apiAddress string

	root := &cobra.Command{
		Use:           "sandboxctl",
		Short:         "Operate the sandbox daemon: run it, or talk to a running instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&apiAddress, "api-address", "http://localhost:8080", "Address of a running daemon's admin API")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSandboxesCmd(&apiAddress))
	root.AddCommand(newPoolCmd(&apiAddress))

	return root
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sandbox daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			config.LoadFromEnv(cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			log := daemon.NewLogger()
			d := daemon.New(cfg, log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info("received shutdown signal")
				cancel()
			}()

			return d.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/sandboxd/config.toml", "Path to the TOML config file")
	return cmd
}

func newSandboxesCmd(apiAddress *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandboxes",
		Short: "Inspect and operate sandboxes on a running daemon",
	}
	cmd.AddCommand(newSandboxesListCmd(apiAddress))
	cmd.AddCommand(newSandboxesExecCmd(apiAddress))
	cmd.AddCommand(newSandboxesCreateCmd(apiAddress))
	cmd.AddCommand(newSandboxesDestroyCmd(apiAddress))
	return cmd
}

func newSandboxesListCmd(apiAddress *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live sandboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Sandboxes []string `json:"sandboxes"`
				Count     int      `json:"count"`
			}
			if err := getJSON(*apiAddress+"/v1/sandboxes", &out); err != nil {
				return err
			}

			if out.Count == 0 {
				fmt.Println("No sandboxes found")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SANDBOX ID")
			for _, id := range out.Sandboxes {
				fmt.Fprintln(w, id)
			}
			w.Flush()
			fmt.Printf("\nTotal: %d sandbox(es)\n", out.Count)
			return nil
		},
	}
}

func newSandboxesCreateCmd(apiAddress *string) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a new sandbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				SandboxID string `json:"sandbox_id"`
			}
			if err := postJSON(*apiAddress+"/v1/sandboxes", nil, &out); err != nil {
				return err
			}
			fmt.Println(out.SandboxID)
			return nil
		},
	}
}

func newSandboxesDestroyCmd(apiAddress *string) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <sandbox-id>",
		Short: "Destroy a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, *apiAddress+"/v1/sandboxes/"+args[0], nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("destroy failed: %s", resp.Status)
			}
			fmt.Println("destroyed", args[0])
			return nil
		},
	}
}

func newSandboxesExecCmd(apiAddress *string) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <sandbox-id> <command...>",
		Short: "Run a command inside a sandbox via the agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			command := joinArgs(args[1:])

			var result domain.ExecResult
			body := map[string]string{"command": command}
			if err := postJSON(*apiAddress+"/v1/sandboxes/"+id+"/run", body, &result); err != nil {
				return err
			}

			fmt.Print(result.Stdout)
			if result.Stderr != "" {
				fmt.Fprint(os.Stderr, result.Stderr)
			}
			if !result.Success() {
				os.Exit(int(result.ExitCode))
			}
			return nil
		},
	}
}

func newPoolCmd(apiAddress *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect the warm pool",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show warm pool statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats domain.PoolStats
			if err := getJSON(*apiAddress+"/v1/pool/stats", &stats); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Current size:\t%d\n", stats.CurrentSize)
			fmt.Fprintf(w, "Warm hits:\t%d\n", stats.WarmHits)
			fmt.Fprintf(w, "Cold misses:\t%d\n", stats.ColdMisses)
			fmt.Fprintf(w, "Total created:\t%d\n", stats.TotalCreated)
			fmt.Fprintf(w, "Total destroyed:\t%d\n", stats.TotalDestroyed)
			fmt.Fprintf(w, "Hit rate:\t%.1f%%\n", stats.HitRate())
			w.Flush()
			return nil
		},
	})
	return cmd
}

func getJSON(url string, out any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("request to %s failed: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(url string, body, out any) error {
	if body == nil {
		body = struct{}{}
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("request to %s failed: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}
