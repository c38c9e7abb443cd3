package relay

import (
	"context"

	"castpanel/internal/ingest"
	"castpanel/internal/models"
)

// Link is an established relay to one platform destination.
type Link interface {
	// Heartbeat probes the relay. A non-nil error means the relay dropped
	// and the task should reconnect.
	Heartbeat(ctx context.Context) error
	Close(ctx context.Context) error
}

// Dialer opens relays. The production implementation drives push targets on
// the media server; tests substitute fakes.
type Dialer interface {
	Connect(ctx context.Context, session models.StreamSession, target models.PlatformTarget) (Link, error)
}

// PushAPI is the slice of the media-server client the push dialer needs.
type PushAPI interface {
	StartPush(ctx context.Context, req ingest.PushRequest) (string, error)
	PushStatus(ctx context.Context, pushID string) error
	StopPush(ctx context.Context, pushID string) error
}

// PushDialer relays by registering push targets on the media server, which
// forwards the ingest feed server-side.
type PushDialer struct {
	API PushAPI
}

func (d *PushDialer) Connect(ctx context.Context, session models.StreamSession, target models.PlatformTarget) (Link, error) {
	pushID, err := d.API.StartPush(ctx, ingest.PushRequest{
		StreamName: session.Ingest.StreamName,
		RTMPURL:    target.RTMPURL,
		StreamKey:  target.StreamKey,
	})
	if err != nil {
		return nil, err
	}
	return &pushLink{api: d.API, pushID: pushID}, nil
}

type pushLink struct {
	api    PushAPI
	pushID string
}

func (l *pushLink) Heartbeat(ctx context.Context) error {
	return l.api.PushStatus(ctx, l.pushID)
}

func (l *pushLink) Close(ctx context.Context) error {
	return l.api.StopPush(ctx, l.pushID)
}
