package ags

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
)

// maxResponse caps how much of a platform response is relayed.
const maxResponse = 1 << 20

type Client struct {
	HTTP *http.Client
}

// Response is the platform's answer, relayed as-is to the caller.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// ScoresURL returns the scores container of lineItem. Query parameters some
// platforms put on line item URLs are preserved.
func ScoresURL(lineItem string) (string, error) {
	u, err := url.Parse(lineItem)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: lineitem must be an http(s) URL", ltierr.ErrInvalidValue)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/scores"
	return u.String(), nil
}

// PostScore posts s to the scores container of lineItem.
func (c *Client) PostScore(ctx context.Context, lineItem, accessToken string, s Score) (*Response, error) {
	target, err := ScoresURL(lineItem)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: encode score: %v", ltierr.ErrInvalidValue, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ltierr.ErrInvalidValue, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", ScoreMediaType)

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: post score: %v", ltierr.ErrPlatformCall, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: post score: platform returned %s", ltierr.ErrPlatformCall, resp.Status)
	}
	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: read score response: %v", ltierr.ErrPlatformCall, err)
	}
	return &Response{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: out}, nil
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
