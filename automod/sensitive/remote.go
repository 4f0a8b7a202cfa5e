package sensitive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type RemoteChecker struct {
	Host   string
	Client *http.Client
}

type checkRequest struct {
	Content string `json:"content"`
}

func NewRemoteChecker(host string, client *http.Client) *RemoteChecker {
	return &RemoteChecker{
		Host:   strings.TrimSuffix(host, "/"),
		Client: client,
	}
}

func (c *RemoteChecker) Check(ctx context.Context, content string) (*Result, error) {
	body, err := json.Marshal(checkRequest{Content: content})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Host+"/check", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "modgate")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sensitive-term check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("sensitive-term check: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("sensitive-term check: decoding response: %w", err)
	}
	for i, h := range res.Hits {
		// the service omits the action for plain replacements
		if !h.Action.Valid() {
			res.Hits[i].Action = ActionReplace
		}
	}
	checkHits.Add(float64(len(res.Hits)))
	return &res, nil
}
