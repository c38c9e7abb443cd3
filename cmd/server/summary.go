package main

import (
	"net/url"
	"strings"

	"castpanel/internal/ingest"
	"castpanel/internal/server"
	"castpanel/internal/transfer"
)

// startupSummaryInput captures the resolved runtime configuration so the
// boot log line reflects what the process will actually do, not just what
// the flags said.
type startupSummaryInput struct {
	Mode                string
	Addr                string
	StorageDriver       string
	StoragePath         string
	StorageDSN          string
	SessionConfig       sessionStoreConfig
	RateLimit           server.RateLimitConfig
	TransferQueueDriver string
	TransferQueueConfig transfer.RedisQueueConfig
	WowzaConfig         ingest.Config
	WowzaActive         bool
}

type startupSummary struct {
	input startupSummaryInput
}

func newStartupSummary(input startupSummaryInput) startupSummary {
	return startupSummary{input: input}
}

// LogArgs renders the summary as slog key/value pairs. Connection strings
// are redacted before they reach the log stream.
func (s startupSummary) LogArgs() []any {
	in := s.input

	args := []any{}
	if in.Addr != "" {
		args = append(args, "addr", in.Addr)
	}
	if in.Mode != "" {
		args = append(args, "mode", in.Mode)
	}

	datastore := map[string]any{"driver": in.StorageDriver}
	switch in.StorageDriver {
	case "json":
		datastore["path"] = in.StoragePath
	case "postgres":
		datastore["dsn"] = redactDSN(in.StorageDSN)
	}
	args = append(args, "datastore", datastore)

	session := map[string]any{"driver": in.SessionConfig.Driver}
	if in.SessionConfig.Driver == "postgres" {
		session["dsn"] = redactDSN(in.SessionConfig.DSN)
	}
	args = append(args, "session_store", session)

	login := map[string]any{"driver": "memory"}
	if strings.TrimSpace(in.RateLimit.RedisAddr) != "" {
		login["driver"] = "redis"
		login["addr"] = in.RateLimit.RedisAddr
	}
	args = append(args, "login_throttle", login)

	queueDriver := strings.ToLower(strings.TrimSpace(in.TransferQueueDriver))
	if queueDriver == "" {
		queueDriver = "memory"
	}
	queue := map[string]any{"driver": queueDriver}
	if queueDriver == "redis" {
		if in.TransferQueueConfig.Stream != "" {
			queue["stream"] = in.TransferQueueConfig.Stream
		}
		if in.TransferQueueConfig.Group != "" {
			queue["group"] = in.TransferQueueConfig.Group
		}
	}
	args = append(args, "transfer_queue", queue)

	wowza := map[string]any{"enabled": in.WowzaActive}
	if in.WowzaActive {
		wowza["api"] = in.WowzaConfig.BaseURL
		wowza["health_endpoint"] = in.WowzaConfig.HealthEndpoint
		wowza["max_attempts"] = in.WowzaConfig.MaxAttempts
		wowza["retry_interval"] = in.WowzaConfig.RetryInterval
	}
	args = append(args, "wowza", wowza)

	return args
}

// redactDSN hides credentials in a connection string. Strings that do not
// parse as URLs are dropped entirely rather than risk leaking a password.
func redactDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return ""
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return "(redacted)"
	}
	if parsed.User != nil {
		username := parsed.User.Username()
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(username, "*****")
		}
	}
	return parsed.String()
}
