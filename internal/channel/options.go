package channel

import "time"

// Options tunes a channel. Zero fields take the defaults below.
type Options struct {
	// Name identifies the channel in logs.
	Name string

	// Timeout bounds every blocking wait: enqueue, file appearance,
	// handshake flags and delete acknowledgments. It is also the silence
	// after which the peer counts as offline.
	Timeout time.Duration

	// PollInterval is the sleep between polls of the medium.
	PollInterval time.Duration

	// IdleCheckInterval is how often an idle reader reopens its file to
	// defeat client-side caching and re-check the session id.
	IdleCheckInterval time.Duration

	// PingInterval is the period of liveness probes.
	PingInterval time.Duration

	// RestartDelay is the pause before a failed pump restarts.
	RestartDelay time.Duration

	// MinOpDelay is the minimum spacing between file operations.
	MinOpDelay time.Duration

	// PurgeThreshold is the file size at which the Reusable-File writer
	// rotates its file.
	PurgeThreshold int64

	// BatchBytes and BatchWindow bound one Write-Then-Wait batch.
	BatchBytes  int
	BatchWindow time.Duration

	// RewriteGrace is the fraction of Timeout after which an unacknowledged
	// Upload-Download object is written again.
	RewriteGrace float64
}

const (
	DefaultTimeout           = 10 * time.Second
	DefaultPollInterval      = 50 * time.Millisecond
	DefaultIdleCheckInterval = time.Second
	DefaultPingInterval      = time.Second
	DefaultRestartDelay      = time.Second
	DefaultPurgeThreshold    = 10 * 1024 * 1024
	DefaultBatchBytes        = 256 * 1024
	DefaultBatchWindow       = 50 * time.Millisecond
	DefaultRewriteGrace      = 0.5
)

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "channel"
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.IdleCheckInterval <= 0 {
		o.IdleCheckInterval = DefaultIdleCheckInterval
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = DefaultRestartDelay
	}
	if o.PurgeThreshold <= headerSize {
		o.PurgeThreshold = DefaultPurgeThreshold
	}
	if o.BatchBytes <= 0 {
		o.BatchBytes = DefaultBatchBytes
	}
	if o.BatchWindow <= 0 {
		o.BatchWindow = DefaultBatchWindow
	}
	if o.RewriteGrace <= 0 || o.RewriteGrace > 1 {
		o.RewriteGrace = DefaultRewriteGrace
	}
	return o
}
