// Package transfer executes queued remote file migrations. Jobs are held in
// per-account FIFO queues and drained by a fixed-size worker pool. Remote
// reads go over SFTP through the shared SSH connection pool or over plain FTP,
// resume from the last acknowledged byte offset after transient failures, and
// honour cooperative cancellation at I/O checkpoints. State changes are
// published to an event queue for external consumers.
package transfer
