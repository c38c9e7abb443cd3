package broadcast

import (
	"context"
	"fmt"
	"time"

	"castpanel/internal/models"
)

// Status is the read-side projection the panel polls while a session runs.
// Telemetry fields are zeroed rather than omitted when the session is not
// Live, keeping the shape stable for the polling client.
type Status struct {
	Live        bool
	Session     models.StreamSession
	Targets     []models.PlatformTarget
	Viewers     int
	Bitrate     int
	Uptime      time.Duration
	WowzaStatus string
}

// Status combines the session state, the per-target relay states, and live
// telemetry from the media server. Telemetry trouble degrades to zeroed
// values flagged through WowzaStatus instead of an error.
func (o *Orchestrator) Status(ctx context.Context, accountID string) Status {
	session := o.CurrentState(accountID)
	status := Status{Session: session, WowzaStatus: "ok"}
	if session.State.Active() {
		status.Targets = o.relays.TargetStates(session.ID)
	}
	if session.State != models.SessionLive {
		return status
	}

	status.Live = true
	status.Uptime = o.now().UTC().Sub(session.StartedAt)
	telemetry, err := o.ingest.Telemetry(ctx, accountID)
	if err != nil {
		status.WowzaStatus = "error"
		o.logger.Warn("telemetry query failed", "account_id", accountID, "session_id", session.ID, "error", err)
		return status
	}
	status.Viewers = telemetry.Viewers
	status.Bitrate = telemetry.Bitrate
	return status
}

// FormatUptime renders a duration as HH:MM:SS, the shape the panel's polling
// client expects.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
