// Package sshpool maintains reusable SSH connections to the remote hosts
// used by file transfers. Connections are capped per host, handed out with a
// bounded wait, verified with a keepalive probe before reuse, and reaped once
// idle for too long.
package sshpool
