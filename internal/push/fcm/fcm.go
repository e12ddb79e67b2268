// Package fcm sends push messages through the Firebase Cloud Messaging
// legacy HTTP endpoint.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"monunotify/internal/push"
)

const DefaultEndpoint = "https://fcm.googleapis.com/fcm/send"

type Config struct {
	ServerKey string
	Endpoint  string
	Timeout   time.Duration // default 30s
}

type Client struct {
	key      string
	endpoint string
	http     *http.Client
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ServerKey) == "" {
		return nil, errors.New("fcm server key is empty")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{key: cfg.ServerKey, endpoint: cfg.Endpoint, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (c *Client) Platform() string { return "fcm" }

type notificationBody struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Sound string `json:"sound,omitempty"`
	Badge string `json:"badge,omitempty"`
	Image string `json:"image,omitempty"`
	Click string `json:"click_action,omitempty"`
}

type request struct {
	To           string            `json:"to"`
	Priority     string            `json:"priority"`
	Notification notificationBody  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type response struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

func (c *Client) Send(ctx context.Context, m push.Message) error {
	req := request{
		To:       m.Token,
		Priority: "normal",
		Notification: notificationBody{
			Title: m.Title,
			Body:  m.Body,
			Sound: m.Sound,
			Image: m.ImageURL,
			Click: m.ActionURL,
		},
		Data: m.Data,
	}
	if m.Priority == "high" || m.Priority == "urgent" {
		req.Priority = "high"
	}
	if m.Badge != nil {
		req.Notification.Badge = fmt.Sprint(*m.Badge)
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	hreq.Header.Set("Authorization", "key="+c.key)
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fcm: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("fcm: decoding response: %w", err)
	}
	if out.Failure == 0 {
		return nil
	}
	reason := "unknown"
	if len(out.Results) > 0 && out.Results[0].Error != "" {
		reason = out.Results[0].Error
	}
	switch reason {
	case "NotRegistered", "InvalidRegistration", "MismatchSenderId":
		return fmt.Errorf("fcm: %s: %w", reason, push.ErrUnregistered)
	}
	return fmt.Errorf("fcm: send failed: %s", reason)
}
