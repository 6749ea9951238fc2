// Command balancerctl is the operator console for a running balancer: it
// drives the admin HTTP surface's login/stats/stop endpoints over plain
// net/http rather than talking to the balancer's process directly.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	adminAddr string
	token     string
)

var rootCmd = &cobra.Command{
	Use:   "balancerctl",
	Short: "Operator console for the translation load balancer's admin HTTP surface",
}

var loginCmd = &cobra.Command{
	Use:   "login [password]",
	Short: "Exchange the operator password for an access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, _ := json.Marshal(map[string]string{"password": args[0]})
		resp, err := http.Post(adminAddr+"/admin/login", "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return reportFailure(resp)
		}
		var out struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		fmt.Println(out.AccessToken)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print adapter states, session count, and supported languages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return authedRequest(http.MethodGet, "/admin/stats")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Trigger a graceful shutdown of the balancer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return authedRequest(http.MethodPost, "/admin/stop")
	},
}

func authedRequest(method, path string) error {
	if token == "" {
		return fmt.Errorf("--token is required (see 'balancerctl login')")
	}
	req, err := http.NewRequest(method, adminAddr+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return reportFailure(resp)
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func reportFailure(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%s: %s", resp.Status, string(b))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin-addr", "http://127.0.0.1:9090", "admin HTTP listen address")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "operator access token from 'balancerctl login'")
	rootCmd.AddCommand(loginCmd, statsCmd, stopCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
