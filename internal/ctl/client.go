package ctl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/large-farva/forcedaq/internal/control"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// commandClient waits longer: bias determination and conversion block the
// request until they finish.
var commandClient = &http.Client{Timeout: 2 * time.Minute}

// getJSON sends a GET request and decodes the JSON response into dst.
func getJSON(baseURL, path string, dst any) error {
	url := strings.TrimRight(baseURL, "/") + path
	resp, err := httpClient.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp, path)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// getRaw sends a GET request and returns the raw response body.
func getRaw(baseURL, path string, header http.Header) (int, []byte, error) {
	url := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// postCommand sends a command to the daemon. A refused command still
// carries a CommandResult, so the body is decoded whatever the status.
func postCommand(baseURL, path string, body any) (control.CommandResult, error) {
	var res control.CommandResult
	url := strings.TrimRight(baseURL, "/") + path
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return res, err
		}
		reqBody = bytes.NewReader(b)
	}
	resp, err := commandClient.Post(url, "application/json", reqBody)
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(b, &res); err != nil {
		msg := strings.TrimSpace(string(b))
		if msg != "" {
			return res, fmt.Errorf("HTTP %s: %s", resp.Status, msg)
		}
		return res, fmt.Errorf("HTTP %s from %s", resp.Status, path)
	}
	return res, nil
}

func statusError(resp *http.Response, path string) error {
	b, _ := io.ReadAll(resp.Body)
	msg := strings.TrimSpace(string(b))
	if msg != "" {
		return fmt.Errorf("HTTP %s: %s", resp.Status, msg)
	}
	return fmt.Errorf("HTTP %s from %s", resp.Status, path)
}

// printJSON prints v as indented JSON.
func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(b))
	return nil
}
