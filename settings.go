package peerwire

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/anacrolix/peerwire/alerts"
)

// Settings are the read-only tunables supplied by the session. The zero value
// is not usable; start from NewDefaultSettings.
type Settings struct {
	// Size of a block request, and of pooled buffers.
	ChunkSize int
	// Upper bound on decoded message length. Must admit a full chunk plus
	// message overhead.
	MaxMessageLength int

	// How often we send keep-alives, and 2x this with nothing received means
	// the connection is dead.
	KeepAliveInterval time.Duration
	HandshakeTimeout  time.Duration

	// How long an in-flight request may go unanswered before it's released
	// for reassignment.
	RequestTimeout time.Duration
	// Bounds on the adaptively sized outstanding-request queue.
	MinRequestQueueLen int
	MaxRequestQueueLen int
	// An in-flight request passed over by this many later-requested blocks is
	// treated as timed out early.
	MaxBlockSkips int

	// Maximum requests we let the remote peer keep queued with us.
	MaxPeerRequests int
	// Peer-originated requests failing in the disk layer are rejected
	// individually; this many consecutive failures disconnects the peer.
	MaxDiskRequestFailures int

	// Advertise and honor BEP 6 messages.
	ExtensionFast bool

	// Session-wide limiters applied on top of per-tick channel quota.
	UploadRateLimiter   *rate.Limiter
	DownloadRateLimiter *rate.Limiter

	AlertQueueLimit int
	AlertMask       alerts.Category
}

func NewDefaultSettings() *Settings {
	return &Settings{
		ChunkSize:              defaultChunkSize,
		MaxMessageLength:       defaultChunkSize + 128,
		KeepAliveInterval:      time.Minute,
		HandshakeTimeout:       20 * time.Second,
		RequestTimeout:         20 * time.Second,
		MinRequestQueueLen:     2,
		MaxRequestQueueLen:     64,
		MaxBlockSkips:          3,
		MaxPeerRequests:        defaultMaxPeerRequests,
		MaxDiskRequestFailures: 8,
		ExtensionFast:          true,
		UploadRateLimiter:      unlimited,
		DownloadRateLimiter:    unlimited,
		AlertQueueLimit:        1000,
		AlertMask:              alerts.All,
	}
}

var unlimited = rate.NewLimiter(rate.Inf, 0)
