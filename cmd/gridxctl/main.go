package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "credit":
		runCredit(os.Args[2:])
	case "purge":
		runPurge(os.Args[2:])
	case "health":
		runHealth(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gridxctl <credit|purge|health> [...]")
}

func runCredit(args []string) {
	fs := flag.NewFlagSet("credit", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8081", "coordinator URL")
	token := fs.String("token", os.Getenv("GRIDX_ADMIN_TOKEN"), "admin bearer token")
	account := fs.String("account", "", "account id to credit")
	amount := fs.Float64("amount", 0, "credits to add")
	reason := fs.String("reason", "", "optional audit reason")
	_ = fs.Parse(args)

	if strings.TrimSpace(*account) == "" || *amount <= 0 {
		fatalf("--account and --amount (> 0) are required")
	}

	body, err := json.Marshal(struct {
		AmountCredits float64 `json:"amount_credits"`
		Reason        string  `json:"reason,omitempty"`
	}{AmountCredits: *amount, Reason: *reason})
	if err != nil {
		fatalf("encode request: %v", err)
	}

	endpoint := strings.TrimRight(*url, "/") + "/admin/accounts/" + *account + "/credit"
	resp, err := doAdminRequest(http.MethodPost, endpoint, *token, body)
	if err != nil {
		fatalf("credit request failed: %v", err)
	}
	fmt.Println(resp)
}

func runPurge(args []string) {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8081", "coordinator URL")
	token := fs.String("token", os.Getenv("GRIDX_ADMIN_TOKEN"), "admin bearer token")
	jobID := fs.String("job-id", "", "job id to purge")
	_ = fs.Parse(args)

	if strings.TrimSpace(*jobID) == "" {
		fatalf("--job-id is required")
	}

	endpoint := strings.TrimRight(*url, "/") + "/admin/jobs/" + *jobID + "/purge"
	resp, err := doAdminRequest(http.MethodPost, endpoint, *token, nil)
	if err != nil {
		fatalf("purge request failed: %v", err)
	}
	fmt.Println(resp)
}

func runHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8081", "coordinator URL")
	_ = fs.Parse(args)

	endpoint := strings.TrimRight(*url, "/") + "/health"
	resp, err := http.Get(endpoint)
	if err != nil {
		fatalf("health check failed: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		fatalf("health check returned %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	fmt.Printf("ok: %s\n", strings.TrimSpace(string(b)))
}

func doAdminRequest(method, url, token string, body []byte) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("--token (or GRIDX_ADMIN_TOKEN) is required")
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return strings.TrimSpace(string(b)), nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
