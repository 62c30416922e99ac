package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

func newRequest(ctx context.Context, cli *CLIConfig) (*http.Request, error) {
	body, err := requestBody(cli.Data)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(cli.Method), cli.URL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for _, raw := range cli.Headers {
		name, value, err := parseHeader(raw)
		if err != nil {
			return nil, err
		}
		req.Header.Add(name, value)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req, nil
}

// requestBody returns nil when no data was given. "@path" reads a file.
func requestBody(data string) ([]byte, error) {
	if data == "" {
		return nil, nil
	}
	if path, ok := strings.CutPrefix(data, "@"); ok {
		//nolint:gosec // Body path is supplied by the operator
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		return content, nil
	}
	return []byte(data), nil
}

func parseHeader(raw string) (string, string, error) {
	name, value, ok := strings.Cut(raw, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", fmt.Errorf("invalid header %q, expected 'Name: value'", raw)
	}
	return name, strings.TrimSpace(value), nil
}

// send performs the request and writes the status line and body to out.
func send(client *http.Client, req *http.Request, out io.Writer) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	proto := resp.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if _, err := fmt.Fprintf(out, "%s %s\n", proto, status); err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	return nil
}
