package ingest

import (
	"context"
	"fmt"
	"strings"
)

// PushRequest asks the media server to fan the named ingest feed out to an
// external RTMP destination.
type PushRequest struct {
	StreamName string `json:"streamName"`
	RTMPURL    string `json:"rtmpUrl"`
	StreamKey  string `json:"streamKey"`
}

type pushResponse struct {
	ID string `json:"id"`
}

type pushStatusResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// StartPush registers a push target on the media server and returns its
// identifier.
func (c *HTTPController) StartPush(ctx context.Context, req PushRequest) (string, error) {
	if strings.TrimSpace(req.StreamName) == "" {
		return "", fmt.Errorf("streamName is required")
	}
	if strings.TrimSpace(req.RTMPURL) == "" {
		return "", fmt.Errorf("rtmpUrl is required")
	}
	c.metrics.ObserveWowzaAttempt("start_push")
	var response pushResponse
	if err := c.postJSON(ctx, fmt.Sprintf("%s/v1/pushtargets", c.baseURL()), req, &response); err != nil {
		c.metrics.ObserveWowzaFailure("start_push")
		return "", fmt.Errorf("start push target: %w", err)
	}
	if response.ID == "" {
		return "", fmt.Errorf("media server returned a push target without an identifier")
	}
	return response.ID, nil
}

// PushStatus reports whether a push target is still forwarding the feed. A
// nil error means the relay is healthy.
func (c *HTTPController) PushStatus(ctx context.Context, pushID string) error {
	c.metrics.ObserveWowzaAttempt("push_status")
	var response pushStatusResponse
	url := fmt.Sprintf("%s/v1/pushtargets/%s/status", c.baseURL(), pushID)
	if err := c.getJSON(ctx, url, &response); err != nil {
		c.metrics.ObserveWowzaFailure("push_status")
		return fmt.Errorf("query push status: %w", err)
	}
	if response.Status != "connected" {
		return fmt.Errorf("push target %s is %s: %s", pushID, response.Status, response.Detail)
	}
	return nil
}

// StopPush removes a push target. An empty identifier is a no-op.
func (c *HTTPController) StopPush(ctx context.Context, pushID string) error {
	if strings.TrimSpace(pushID) == "" {
		return nil
	}
	c.metrics.ObserveWowzaAttempt("stop_push")
	if err := c.deleteRequest(ctx, fmt.Sprintf("%s/v1/pushtargets/%s", c.baseURL(), pushID)); err != nil {
		c.metrics.ObserveWowzaFailure("stop_push")
		return fmt.Errorf("stop push target: %w", err)
	}
	return nil
}
