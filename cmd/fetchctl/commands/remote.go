package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

// envelope matches the API's success and error bodies.
type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

// APIError is a non-2xx reply from the gateway.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(serverURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
}

// call returns the data member of the reply. On API errors the data is still
// returned alongside *APIError, since some errors carry a payload.
func call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var env envelope
	req := newClient().R().SetContext(ctx).SetResult(&env).SetError(&env)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	if resp.IsError() {
		msg := env.Message
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return env.Data, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode(), Code: env.Code, Message: msg}
	}
	return env.Data, nil
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, werr := w.Write(raw)
		return werr
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func newFetchCmd() *cobra.Command {
	var (
		site         string
		priority     int
		method       string
		headers      []string
		waitSelector string
		bodyOnly     bool
		timeoutMS    int
	)

	cmd := &cobra.Command{
		Use:   "fetch <url> --site <name>",
		Short: "Fetch a URL through the gateway's strategy cascade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hdrs, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			req := map[string]any{
				"url":           args[0],
				"site":          site,
				"priority":      priority,
				"timeout_ms":    timeoutMS,
				"method":        method,
				"headers":       hdrs,
				"wait_selector": waitSelector,
				"include_body":  bodyOnly,
			}

			data, err := call(cmd.Context(), "POST", "/v1/fetch", req)
			if err != nil {
				// Exhausted cascades carry the attempt log.
				_ = printJSON(cmd.ErrOrStderr(), data)
				return err
			}

			if bodyOnly {
				var res struct {
					Body string `json:"body"`
				}
				if err := json.Unmarshal(data, &res); err != nil {
					return fmt.Errorf("failed to decode fetch result: %w", err)
				}
				_, err := io.WriteString(cmd.OutOrStdout(), res.Body)
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "Site the URL belongs to")
	cmd.Flags().IntVar(&priority, "priority", 0, "Queue priority, lower runs first (0 uses the site default)")
	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Extra header as 'Name: value' (repeatable)")
	cmd.Flags().StringVar(&waitSelector, "wait-selector", "", "CSS selector browser strategies wait for")
	cmd.Flags().BoolVar(&bodyOnly, "body", false, "Print only the fetched body")
	cmd.Flags().IntVar(&timeoutMS, "fetch-timeout-ms", 0, "Gateway-side timeout in milliseconds")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", h)
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}

func newHealthCmd() *cobra.Command {
	var overall bool

	cmd := &cobra.Command{
		Use:   "health [site]",
		Short: "Show per-site health, or the overall rollup",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/health"
			switch {
			case overall:
				path = "/v1/health/overall"
			case len(args) == 1:
				path += "?site=" + url.QueryEscape(args[0])
			}
			data, err := call(cmd.Context(), "GET", path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().BoolVar(&overall, "overall", false, "Show the cross-site rollup")
	return cmd
}

func newAlertsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List recent health alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(cmd.Context(), "GET", "/v1/alerts?limit="+strconv.Itoa(limit), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of alerts to show")
	return cmd
}

func newBreakersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breakers",
		Short: "List circuit breakers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(cmd.Context(), "GET", "/v1/breakers", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <site>",
		Short: "Close a site's circuit breaker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call(cmd.Context(), "POST", "/v1/breakers/"+url.PathEscape(args[0])+"/reset", nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "breaker for %s reset\n", args[0])
			return nil
		},
	})
	return cmd
}
