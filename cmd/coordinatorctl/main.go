// Command coordinatorctl is the operator CLI for a running coordinatord:
// it seeds cohort token files offline and drives the admin endpoints
// (ban, reset) over HTTP.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "coordinatorctl",
		Usage:   "operate a ceremony coordinator daemon",
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "base URL of the coordinatord HTTP API",
				Value:   "http://127.0.0.1:8080",
				EnvVars: []string{"COORDINATORCTL_ADDR"},
			},
		},
		Commands: []*cli.Command{
			seedTokensCommand(),
			banCommand(),
			resetCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "coordinatorctl:", err)
		os.Exit(1)
	}
}

// seedTokensCommand writes a JSON [][]string cohort-token file that
// coordinatord's Queue.RequireTokens loader expects, needing no running
// daemon.
func seedTokensCommand() *cli.Command {
	return &cli.Command{
		Name:      "seed-tokens",
		Usage:     "generate a cohort token file for the queue's private-token gate",
		ArgsUsage: "<output-file>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "cohorts", Usage: "number of cohorts", Value: 1},
			&cli.IntFlag{Name: "tokens-per-cohort", Usage: "tokens per cohort", Value: 100},
			&cli.StringFlag{Name: "prefix", Usage: "token prefix before the sequence number", Value: "priv_"},
		},
		Action: func(c *cli.Context) error {
			out := c.Args().First()
			if out == "" {
				return cli.Exit("seed-tokens requires an output file argument", 2)
			}
			cohorts := make([][]string, c.Int("cohorts"))
			seq := 0
			for i := range cohorts {
				tokens := make([]string, c.Int("tokens-per-cohort"))
				for j := range tokens {
					tokens[j] = fmt.Sprintf("%s%06d", c.String("prefix"), seq)
					seq++
				}
				cohorts[i] = tokens
			}
			data, err := json.MarshalIndent(cohorts, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return err
			}
			fmt.Printf("wrote %d cohort(s), %d token(s) total, to %s\n", len(cohorts), seq, out)
			return nil
		},
	}
}

func banCommand() *cli.Command {
	return &cli.Command{
		Name:      "ban",
		Usage:     "drop, ban, and blacklist a participant's token/IP",
		ArgsUsage: "<participant-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verifier", Usage: "treat the participant as a verifier"},
			&cli.StringFlag{Name: "ip", Usage: "IP address to blacklist"},
			&cli.StringFlag{Name: "token", Usage: "private token to blacklist"},
		},
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return cli.Exit("ban requires a participant id argument", 2)
			}
			reqBody := map[string]any{
				"participant_id": id,
				"is_verifier":    c.Bool("verifier"),
				"ip":             c.String("ip"),
				"token":          c.String("token"),
			}
			var resp map[string]any
			if err := postJSON(c.String("addr"), "/v1/admin/ban", reqBody, &resp); err != nil {
				return err
			}
			fmt.Printf("banned %s\n", id)
			return nil
		},
	}
}

func resetCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "force-rollback the current round, requeueing every current contributor",
		Action: func(c *cli.Context) error {
			var resp struct {
				RoundHeight uint64 `json:"round_height"`
			}
			if err := postJSON(c.String("addr"), "/v1/admin/reset", struct{}{}, &resp); err != nil {
				return err
			}
			fmt.Printf("round reset, current round height is now %d\n", resp.RoundHeight)
			return nil
		},
	}
}

func postJSON(baseURL, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		if jsonErr := json.Unmarshal(respData, &errResp); jsonErr == nil && errResp.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, errResp.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, string(respData))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respData, out)
}
