package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/justinpaulson/kamal-napper/pkg/api"
	"github.com/justinpaulson/kamal-napper/pkg/supervisor"
)

// defaultServer is where the CLI subcommands reach a locally running
// daemon's control API.
const defaultServer = "http://127.0.0.1:4915"

func addServerFlag(cmd *cobra.Command, server *string) {
	cmd.Flags().StringVarP(server, "server", "s", defaultServer, "control API base URL of a running daemon")
}

func newStatusCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of every managed app",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(server)
		},
	}
	addServerFlag(cmd, &server)
	return cmd
}

func newWakeCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "wake <host>",
		Short: "Start a stopped app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return control(server, args[0], "wake")
		},
	}
	addServerFlag(cmd, &server)
	return cmd
}

func newSleepCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "sleep <host>",
		Short: "Stop an active app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return control(server, args[0], "sleep")
		},
	}
	addServerFlag(cmd, &server)
	return cmd
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func printStatus(server string) error {
	resp, err := httpClient().Get(server + "/status")
	if err != nil {
		return fmt.Errorf("reaching daemon at %s: %w", server, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	var snap supervisor.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	fmt.Printf("daemon running: %v  apps: %d  poll interval: %ds\n\n",
		snap.Running, snap.AppCount, snap.PollIntervalSeconds)

	hosts := make([]string, 0, len(snap.Apps))
	for host := range snap.Apps {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tSTATE\tSINCE\tLAST REQUEST")
	for _, host := range hosts {
		app := snap.Apps[host]
		last := "-"
		if app.LastRequestAt != nil {
			last = app.LastRequestAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			host, app.State, app.StateChangedAt.Local().Format(time.RFC3339), last)
	}
	return w.Flush()
}

func control(server, host, action string) error {
	body, err := json.Marshal(api.ControlRequest{Host: host, Action: action})
	if err != nil {
		return err
	}

	resp, err := httpClient().Post(server+"/control", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("reaching daemon at %s: %w", server, err)
	}
	defer resp.Body.Close()

	var result api.ControlResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("%s %s: %s", action, host, result.Message)
	}
	fmt.Printf("%s: %s\n", host, result.Message)
	return nil
}
