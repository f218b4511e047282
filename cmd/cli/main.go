package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"signal-sandbox/internal/sandbox"
	"signal-sandbox/pkg/denylist"
)

var (
	serverURL string
	apiKey    string

	functionName string
	timeout      string
	memoryMB     int64
	tickJSON     string
	paramsJSON   string
)

func main() {
	root := &cobra.Command{
		Use:   "signal-sandbox-cli",
		Short: "CLI client for the signal function sandbox",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOX_API_KEY"), "API key")

	// Upload a function script
	uploadCmd := &cobra.Command{
		Use:   "upload [file]",
		Short: "Validate and upload a function script",
		Args:  cobra.ExactArgs(1),
		RunE:  runUpload,
	}
	uploadCmd.Flags().StringVarP(&functionName, "function", "f", "process_signal", "Entry point function name")
	uploadCmd.Flags().StringVar(&timeout, "timeout", "5s", "Execution timeout")
	uploadCmd.Flags().Int64Var(&memoryMB, "memory", 64, "Memory limit in MB")
	root.AddCommand(uploadCmd)

	// Execute a stored function
	execCmd := &cobra.Command{
		Use:   "exec [script-name]",
		Short: "Execute a stored function against a tick snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVarP(&functionName, "function", "f", "process_signal", "Entry point function name")
	execCmd.Flags().StringVar(&timeout, "timeout", "5s", "Execution timeout")
	execCmd.Flags().Int64Var(&memoryMB, "memory", 64, "Memory limit in MB")
	execCmd.Flags().StringVar(&tickJSON, "tick", "{}", "Tick data as JSON")
	execCmd.Flags().StringVar(&paramsJSON, "params", "{}", "Function parameters as JSON")
	root.AddCommand(execCmd)

	// Validate locally without touching the server
	root.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Run the static deny-list scan on a script locally",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	})

	// Audit trail
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent access denials (admin only)",
		RunE:  runAudit,
	}
	auditCmd.Flags().String("user", "", "Filter by user ID")
	auditCmd.Flags().Int("limit", 50, "Maximum records")
	root.AddCommand(auditCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runUpload(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	name := args[0]
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}

	payload := map[string]any{
		"script_name":     name,
		"function_name":   functionName,
		"script_content":  string(data),
		"timeout":         timeout,
		"memory_limit_mb": memoryMB,
	}
	return post("/functions", payload)
}

func runExec(cmd *cobra.Command, args []string) error {
	var tick, params map[string]any
	if err := json.Unmarshal([]byte(tickJSON), &tick); err != nil {
		return fmt.Errorf("parsing --tick: %w", err)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return fmt.Errorf("parsing --params: %w", err)
	}

	payload := map[string]any{
		"script_name":     args[0],
		"function_name":   functionName,
		"tick_data":       tick,
		"parameters":      params,
		"timeout":         timeout,
		"memory_limit_mb": memoryMB,
	}
	return post("/execute", payload)
}

func runValidate(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	hits := denylist.Default().Scan(string(data))
	if len(hits) == 0 {
		fmt.Println("ok: no prohibited patterns found")
		return nil
	}
	for _, hit := range hits {
		fmt.Printf("line %d: %s (%s)\n", hit.Line, hit.Pattern, hit.Detail)
	}
	return fmt.Errorf("%d prohibited pattern(s) found", len(hits))
}

func runAudit(cmd *cobra.Command, _ []string) error {
	q := url.Values{}
	if user, _ := cmd.Flags().GetString("user"); user != "" {
		q.Set("user", user)
	}
	if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}

	req, err := http.NewRequest("GET", serverURL+"/audit?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return do(req)
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	return printJSON(resp.Body)
}

func post(path string, payload map[string]any) error {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest("POST", serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req)
}

func do(req *http.Request) error {
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	// Longer than the server's execution ceiling so slow runs report
	// their real status instead of a client-side timeout.
	client := &http.Client{Timeout: sandbox.DefaultLimits().MaxTimeout + 10*time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := printJSON(resp.Body); err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func printJSON(r io.Reader) error {
	var result any
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}
