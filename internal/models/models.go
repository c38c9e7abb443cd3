package models

import (
	"strings"
	"time"
)

// SessionState enumerates the broadcast session lifecycle. Idle and Stopped
// are terminal-for-now: a new start always creates a fresh session record.
type SessionState string

const (
	SessionIdle     SessionState = "idle"
	SessionStarting SessionState = "starting"
	SessionLive     SessionState = "live"
	SessionStopping SessionState = "stopping"
	SessionStopped  SessionState = "stopped"
	SessionError    SessionState = "error"
)

// Active reports whether the session occupies the account's broadcast slot.
func (s SessionState) Active() bool {
	return s == SessionStarting || s == SessionLive
}

// Terminal reports whether the session can never transition again.
func (s SessionState) Terminal() bool {
	return s == SessionStopped || s == SessionIdle
}

// TargetState enumerates the per-platform relay connection lifecycle.
type TargetState string

const (
	TargetDisconnected TargetState = "disconnected"
	TargetConnecting   TargetState = "connecting"
	TargetConnected    TargetState = "connected"
	TargetError        TargetState = "error"
)

// JobState enumerates the transfer job lifecycle. Completed, Failed, and
// Canceled records are immutable.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCanceled  JobState = "canceled"
)

// Done reports whether the job reached a final state.
func (s JobState) Done() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// TransferProtocol selects the remote transport used by a TransferJob.
type TransferProtocol string

const (
	ProtocolSFTP TransferProtocol = "sftp"
	ProtocolFTP  TransferProtocol = "ftp"
)

// PlatformKind identifies a supported relay destination.
type PlatformKind string

const (
	PlatformYouTube    PlatformKind = "youtube"
	PlatformTwitch     PlatformKind = "twitch"
	PlatformFacebook   PlatformKind = "facebook"
	PlatformKick       PlatformKind = "kick"
	PlatformCustomRTMP PlatformKind = "custom-rtmp"
)

// KnownPlatformKind reports whether the kind names a supported destination.
func KnownPlatformKind(kind PlatformKind) bool {
	switch kind {
	case PlatformYouTube, PlatformTwitch, PlatformFacebook, PlatformKick, PlatformCustomRTMP:
		return true
	}
	return false
}

// IngestEndpoint describes where the broadcaster's encoder pushes its feed.
type IngestEndpoint struct {
	RTMPURL    string `json:"rtmpUrl"`
	StreamName string `json:"streamName"`
	Bitrate    int    `json:"bitrate"`
}

// Zero reports whether the endpoint carries no usable address.
func (e IngestEndpoint) Zero() bool {
	return e.RTMPURL == "" && e.StreamName == ""
}

// StreamSession is one live-broadcast attempt for an account. At most one
// non-terminal session exists per account at any instant.
type StreamSession struct {
	ID        string         `json:"id"`
	AccountID string         `json:"accountId"`
	Title     string         `json:"title"`
	State     SessionState   `json:"state"`
	StartedAt time.Time      `json:"startedAt,omitempty"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
	Ingest    IngestEndpoint `json:"ingest"`
	LastError string         `json:"lastError,omitempty"`
}

// PlatformTarget is one outbound relay fanning the session feed to a single
// third-party destination. It belongs to exactly one session.
type PlatformTarget struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"sessionId"`
	Platform   PlatformKind `json:"platform"`
	RTMPURL    string       `json:"rtmpUrl"`
	StreamKey  string       `json:"-"`
	State      TargetState  `json:"state"`
	RetryCount int          `json:"retryCount"`
	LastError  string       `json:"lastError,omitempty"`
}

// TransferJob is one remote video-file migration task.
type TransferJob struct {
	ID               string           `json:"id"`
	AccountID        string           `json:"accountId"`
	SourceHost       string           `json:"sourceHost"`
	SourcePath       string           `json:"sourcePath"`
	DestPath         string           `json:"destPath"`
	Protocol         TransferProtocol `json:"protocol"`
	State            JobState         `json:"state"`
	BytesTransferred int64            `json:"bytesTransferred"`
	TotalBytes       int64            `json:"totalBytes"`
	Attempts         int              `json:"attempts"`
	LastError        string           `json:"lastError,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Quotas carries the account limits the orchestrator reads for admission
// checks. Billing-side enforcement happens outside this service.
type Quotas struct {
	MaxPlatforms    int `json:"maxPlatforms"`
	MaxTransferJobs int `json:"maxTransferJobs"`
	MaxBitrate      int `json:"maxBitrate"`
}

// Account is the broadcast account operating the panel.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName"`
	Kind         string    `json:"kind"`
	Roles        []string  `json:"roles"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	Quotas       Quotas    `json:"quotas"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasRole reports whether the account has the provided role, ignoring case.
func (a Account) HasRole(role string) bool {
	for _, existing := range a.Roles {
		if strings.EqualFold(existing, role) {
			return true
		}
	}
	return false
}

// PlatformCredential is a stored relay destination for an account.
type PlatformCredential struct {
	ID        string       `json:"id"`
	AccountID string       `json:"accountId"`
	Platform  PlatformKind `json:"platform"`
	RTMPURL   string       `json:"rtmpUrl"`
	StreamKey string       `json:"-"`
	Enabled   bool         `json:"enabled"`
	CreatedAt time.Time    `json:"createdAt"`
}

// TransferCredential carries the authentication material for a remote host.
type TransferCredential struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"-"`
	PrivateKey string `json:"-"`
}
