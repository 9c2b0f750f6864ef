package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Stillwater-Labs/clearclaim/pkg/api"
	"github.com/Stillwater-Labs/clearclaim/pkg/audit"
	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
)

// Client-side commands. They talk to a running server the same way an
// adjuster console would, flags first and the claim id last:
//
//	clearclaim evaluate -url http://claims.internal:8080 clm-3f2a...

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Minute},
	}
}

func (c *apiClient) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var problem api.ProblemDetail
		if json.Unmarshal(body, &problem) == nil && problem.Title != "" {
			return &problem
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func clientFlags(cmd *flag.FlagSet) (base, token *string) {
	base = cmd.String("url", "http://localhost:8080", "Base URL of the running server")
	token = cmd.String("token", "", "Bearer token when the server enforces auth")
	return base, token
}

func claimArg(cmd *flag.FlagSet, name string, stderr io.Writer) (string, bool) {
	if cmd.NArg() != 1 {
		fmt.Fprintf(stderr, "Usage: clearclaim %s [flags] <claim-id>\n", name)
		return "", false
	}
	return cmd.Arg(0), true
}

func runEvaluateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	base, token := clientFlags(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	claimID, ok := claimArg(cmd, "evaluate", stderr)
	if !ok {
		return 2
	}

	var c claims.Claim
	if err := newAPIClient(*base, *token).do(http.MethodPost, "/api/claims/"+claimID+"/evaluate", &c); err != nil {
		fmt.Fprintf(stderr, "Evaluate failed: %v\n", err)
		return 1
	}
	printClaim(stdout, &c)
	return 0
}

func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	base, token := clientFlags(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	claimID, ok := claimArg(cmd, "status", stderr)
	if !ok {
		return 2
	}

	var p audit.Progress
	if err := newAPIClient(*base, *token).do(http.MethodGet, "/api/claims/"+claimID+"/status", &p); err != nil {
		fmt.Fprintf(stderr, "Status failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Claim %s: %s%s%s (%.0f%%)\n", p.ClaimID, statusColor(p.Status), p.Status, ColorReset, p.ProgressPercentage)
	for _, s := range p.CompletedStages {
		fmt.Fprintf(stdout, "  %s[done]%s %s\n", ColorGreen, ColorReset, s)
	}
	for _, s := range p.PendingStages {
		fmt.Fprintf(stdout, "  %s[pend]%s %s\n", ColorGray, ColorReset, s)
	}
	return 0
}

func runResetCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("reset", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	base, token := clientFlags(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	claimID, ok := claimArg(cmd, "reset", stderr)
	if !ok {
		return 2
	}

	var c claims.Claim
	if err := newAPIClient(*base, *token).do(http.MethodPost, "/api/claims/"+claimID+"/reset", &c); err != nil {
		fmt.Fprintf(stderr, "Reset failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Claim %s reset to %s\n", c.ID, c.Status)
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	base, token := clientFlags(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var status struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := newAPIClient(*base, *token).do(http.MethodGet, "/api/health", &status); err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "OK (%s)\n", status.Version)
	return 0
}

func printClaim(w io.Writer, c *claims.Claim) {
	fmt.Fprintf(w, "Claim %s: %s%s%s\n", c.ID, statusColor(c.Status), c.Status, ColorReset)
	if c.Verdict != "" {
		fmt.Fprintf(w, "  verdict:    %s\n", c.Verdict)
	}
	if c.Confidence != nil {
		fmt.Fprintf(w, "  confidence: %.2f\n", *c.Confidence)
	}
	if c.ApprovedAmount != nil {
		fmt.Fprintf(w, "  approved:   %s\n", c.ApprovedAmount)
	}
	if c.SettlementTxHash != nil {
		fmt.Fprintf(w, "  settled:    %s\n", *c.SettlementTxHash)
	}
	if len(c.RequestedData) > 0 {
		fmt.Fprintf(w, "  requested:  %s\n", strings.Join(c.RequestedData, ", "))
	}
	if len(c.ReviewReasons) > 0 {
		fmt.Fprintf(w, "  review:     %s\n", strings.Join(c.ReviewReasons, "; "))
	}
}

func statusColor(s claims.Status) string {
	switch s {
	case claims.StatusApproved, claims.StatusSettled:
		return ColorGreen
	case claims.StatusRejected:
		return ColorRed
	case claims.StatusNeedsReview, claims.StatusAwaitingData:
		return ColorYellow
	default:
		return ColorCyan
	}
}
