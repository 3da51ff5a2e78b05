package bulletin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// NewClient returns a client for the bulletin admin API. keyId and secret are
// the admin key credentials, host something like "https://bulletin.example.com".
func NewClient(keyId, secret, host string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host:   host,
		keyId:  keyId,
		secret: secret,
	}
}

type Client struct {
	host   string
	keyId  string
	secret string
}

// Publish submits an issue for publication. The idempotency key scopes the
// request to one logical publish; retrying with the same key replays the
// original receipt instead of broadcasting the issue again.
func (c *Client) Publish(ctx context.Context, title, html, text, idempotencyKey string) (Receipt, error) {

	body, err := json.Marshal(map[string]string{
		"title": title,
		"html":  html,
		"text":  text,
	})
	if err != nil {
		return Receipt{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.host+"/admin/newsletters", bytes.NewBuffer(body))
	if err != nil {
		return Receipt{}, err
	}
	req.SetBasicAuth(c.keyId, c.secret)
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Idempotency-Key", idempotencyKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Receipt{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Receipt{}, fmt.Errorf("publish failed, status %d: %s", resp.StatusCode, string(respBytes))
	}

	var r Receipt
	err = json.Unmarshal(respBytes, &r)
	return r, err
}

// DeadLetters fetches the dead-lettered deliveries of an issue.
func (c *Client) DeadLetters(ctx context.Context, issueId string) ([]DeadLetter, error) {

	req, err := http.NewRequestWithContext(ctx, "GET", c.host+"/admin/newsletters/"+issueId+"/dead-letters", nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.keyId, c.secret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching dead letters failed, status %d: %s", resp.StatusCode, string(respBytes))
	}

	var letters []DeadLetter
	err = json.Unmarshal(respBytes, &letters)
	return letters, err
}
