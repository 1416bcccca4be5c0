// Command tickbridge runs the market-data bridge: it watches a charting
// application's archive directory, converts file updates into sequenced
// snapshot/delta streams and serves them over WebSocket plus a
// historical HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/tickbridge/tickbridge/internal/config"
	"github.com/tickbridge/tickbridge/internal/logging"
	"github.com/tickbridge/tickbridge/internal/server"
)

// Exit codes for supervisors: 2 invalid configuration, 3 listen address
// unavailable, 4 archive root unreachable.
const (
	exitConfigInvalid = 2
	exitBindFailed    = 3
	exitArchiveRoot   = 4
)

var (
	bridgeAddr  string
	bridgeToken string
)

func main() {
	root := &cobra.Command{
		Use:   "tickbridge",
		Short: "Bridge a charting application's data files to streaming consumers",
	}
	root.PersistentFlags().StringVar(&bridgeAddr, "addr", "http://localhost:8787", "base URL of a running bridge")
	root.PersistentFlags().StringVar(&bridgeToken, "token", "", "bearer token when the bridge has auth enabled")

	root.AddCommand(startCmd(), reloadCmd(), statusCmd(), healthCheckCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the bridge in the foreground",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfigInvalid)
			}

			logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
			cfg.LogConfig(logger)

			bridge, err := server.New(cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("Bridge assembly failed")
				exitFor(err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := bridge.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("Bridge startup failed")
				exitFor(err)
			}

			<-ctx.Done()
			logger.Info().Msg("Signal received")
			bridge.Shutdown()
		},
	}
}

func exitFor(err error) {
	switch {
	case errors.Is(err, server.ErrBind):
		os.Exit(exitBindFailed)
	case errors.Is(err, server.ErrArchiveRoot):
		os.Exit(exitArchiveRoot)
	default:
		os.Exit(exitConfigInvalid)
	}
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Tell a running bridge to re-read its symbols document",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := doRequest(http.MethodPost, bridgeAddr+"/reload")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("reload failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			fmt.Println("reloaded")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a running bridge's health report",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _, err := fetchHealth()
			if err != nil {
				return err
			}
			var pretty map[string]interface{}
			if err := json.Unmarshal(body, &pretty); err != nil {
				return fmt.Errorf("unreadable health response: %w", err)
			}
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func healthCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health-check",
		Short: "Exit 0 when the bridge reports healthy, 1 otherwise",
		Run: func(cmd *cobra.Command, args []string) {
			_, code, err := fetchHealth()
			if err != nil || code != http.StatusOK {
				os.Exit(1)
			}
		},
	}
}

func fetchHealth() ([]byte, int, error) {
	resp, err := doRequest(http.MethodGet, bridgeAddr+"/health")
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func doRequest(method, url string) (*http.Response, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	if bridgeToken != "" {
		req.Header.Set("Authorization", "Bearer "+bridgeToken)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}
