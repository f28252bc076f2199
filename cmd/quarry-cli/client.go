// Package main provides the HTTP client the CLI commands share.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// apiClient is a thin wrapper over the Quarry HTTP API.
type apiClient struct {
	base   string
	key    string
	tenant string
	http   *http.Client
}

func newClient() *apiClient {
	return &apiClient{
		base:   strings.TrimRight(serverURL, "/"),
		key:    apiKey,
		tenant: tenant,
		http:   &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *apiClient) do(req *http.Request, dst any) error {
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}
	req.Header.Set("X-Tenant-ID", c.tenant)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server: %s (%d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if dst == nil {
		return nil
	}
	return json.Unmarshal(body, dst)
}

func (c *apiClient) getJSON(path string, dst any) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, dst)
}

func (c *apiClient) postJSON(path string, payload, dst any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dst)
}

func (c *apiClient) delete(path string, dst any) error {
	req, err := http.NewRequest(http.MethodDelete, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, dst)
}

// postFiles uploads the given paths as a multipart batch.
func (c *apiClient) postFiles(path string, paths []string, fields map[string]string, dst any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if v != "" {
			if err := mw.WriteField(k, v); err != nil {
				return err
			}
		}
	}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		part, err := mw.CreateFormFile("files", filepath.Base(p))
		if err != nil {
			f.Close()
			return err
		}
		if _, err := io.Copy(part, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, dst)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
