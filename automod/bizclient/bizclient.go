// HTTP client for the business modules that own moderated content: approve/reject side effects, submitter notifications, and outcome callbacks.
package bizclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-querystring/query"
)

type Client struct {
	Host   string
	Client *http.Client
	// sent as a bearer token when set
	AdminToken string
	// used for callback URLs when set; these point outside the business network
	CallbackClient *http.Client
}

func New(host string, client *http.Client) *Client {
	return &Client{
		Host:   strings.TrimSuffix(host, "/"),
		Client: client,
	}
}

type decisionParams struct {
	ID       string `url:"id"`
	Reason   string `url:"reason,omitempty"`
	Reviewer string `url:"reviewer,omitempty"`
}

type Notification struct {
	UserID  string `json:"userId"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Content string `json:"content"`
	BizType string `json:"bizType"`
	BizID   string `json:"bizId"`
}

func (c *Client) Approve(ctx context.Context, bizType, bizID, reviewer string) error {
	return c.decide(ctx, bizType, "approve", decisionParams{ID: bizID, Reviewer: reviewer})
}

func (c *Client) Reject(ctx context.Context, bizType, bizID, reason, reviewer string) error {
	return c.decide(ctx, bizType, "reject", decisionParams{ID: bizID, Reason: reason, Reviewer: reviewer})
}

func (c *Client) decide(ctx context.Context, bizType, verb string, params decisionParams) error {
	v, err := query.Values(params)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/%s?%s", c.Host, url.PathEscape(bizType), verb, v.Encode())
	return c.post(ctx, c.Client, u, nil, true)
}

func (c *Client) Notify(ctx context.Context, n Notification) error {
	return c.post(ctx, c.Client, c.Host+"/notifications/send", n, true)
}

// POSTs body as JSON to an arbitrary callback URL registered by a business module.
func (c *Client) PostCallback(ctx context.Context, callbackURL string, body any) error {
	if c.CallbackClient != nil {
		return c.post(ctx, c.CallbackClient, callbackURL, body, false)
	}
	return c.post(ctx, c.Client, callbackURL, body, false)
}

func (c *Client) post(ctx context.Context, client *http.Client, u string, body any, auth bool) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "modgate")
	if auth && c.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AdminToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("business call %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("business call %s: HTTP %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}
