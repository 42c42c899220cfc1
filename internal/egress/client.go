package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client calls a remote egress service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the egress service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// StartTrackEgress starts recording trackID in roomName to path.
func (c *Client) StartTrackEgress(ctx context.Context, roomName, trackID, path string) (StartTrackEgressResponse, error) {
	var resp StartTrackEgressResponse
	err := c.call(ctx, PathStartTrackEgress, StartTrackEgressRequest{
		RoomName: roomName,
		TrackID:  trackID,
		Filepath: path,
	}, &resp)
	return resp, err
}

// StopEgress stops an egress and returns the finalized file.
func (c *Client) StopEgress(ctx context.Context, egressID string) (StopEgressResponse, error) {
	var resp StopEgressResponse
	err := c.call(ctx, PathStopEgress, StopEgressRequest{EgressID: egressID}, &resp)
	return resp, err
}

func (c *Client) call(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var twerr Error
		if err := json.NewDecoder(resp.Body).Decode(&twerr); err != nil || twerr.Code == "" {
			return &Error{Code: CodeInternal, Msg: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
		}
		return &twerr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
