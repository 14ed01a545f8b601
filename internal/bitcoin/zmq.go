package bitcoin

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// hashblockBackoffCap is the maximum reconnect delay after repeated ZMQ
// subscribe failures.
const hashblockBackoffCap = 30 * time.Second

// BlockNotifier delivers a signal whenever the node reports a new tip over
// its ZMQ "hashblock" publisher. Only the fact that a new block arrived
// matters to the caller — the 32-byte hash in the message is logged but not
// otherwise interpreted, since the next getblocktemplate call is the source
// of truth for the new template.
type BlockNotifier struct {
	endpoint string
	logger   *zap.Logger

	notifyCh chan struct{}
}

// NewBlockNotifier creates a notifier for the given ZMQ PUB endpoint
// (e.g. "tcp://127.0.0.1:28332"). Call Run to start receiving.
func NewBlockNotifier(endpoint string, logger *zap.Logger) *BlockNotifier {
	return &BlockNotifier{
		endpoint: endpoint,
		logger:   logger,
		notifyCh: make(chan struct{}, 1),
	}
}

// Notify returns a channel that receives a value each time the node
// announces a new block. The channel is buffered at 1; bursts of
// notifications collapse to a single pending refresh, matching the
// safety-tick's "any message invalidates the current template" contract.
func (b *BlockNotifier) Notify() <-chan struct{} {
	return b.notifyCh
}

// Run subscribes to the hashblock topic and blocks until ctx is cancelled,
// reconnecting with exponential backoff (capped at 30s) on any socket error.
func (b *BlockNotifier) Run(ctx context.Context) {
	var failures int
	for {
		if ctx.Err() != nil {
			return
		}
		if err := b.subscribeOnce(ctx); err != nil {
			failures++
			delay := backoff(failures, hashblockBackoffCap)
			b.logger.Warn("zmq hashblock subscription failed",
				zap.Error(err),
				zap.Int("consecutive_failures", failures),
				zap.Duration("next_retry", delay),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		failures = 0
	}
}

func (b *BlockNotifier) subscribeOnce(ctx context.Context) error {
	sock, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return fmt.Errorf("create zmq socket: %w", err)
	}
	defer sock.Close()

	if err := sock.SetSubscribe("hashblock"); err != nil {
		return fmt.Errorf("subscribe hashblock: %w", err)
	}
	if err := sock.Connect(b.endpoint); err != nil {
		return fmt.Errorf("connect %s: %w", b.endpoint, err)
	}
	// RecvMessage blocks with no deadline; a short read timeout lets the loop
	// notice ctx cancellation without an extra reader goroutine.
	if err := sock.SetRcvtimeo(time.Second); err != nil {
		return fmt.Errorf("set recv timeout: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		parts, err := sock.RecvMessageBytes(0)
		if err != nil {
			// A receive timeout just means no block arrived this tick; loop
			// and re-check ctx. Any other error tears down the socket so the
			// caller reconnects with backoff.
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("recv: %w", err)
		}
		if len(parts) < 2 || string(parts[0]) != "hashblock" {
			continue
		}
		b.logger.Debug("zmq hashblock notification", zap.String("hash", fmt.Sprintf("%x", parts[1])))
		select {
		case b.notifyCh <- struct{}{}:
		default:
		}
	}
}

// isTimeout reports whether err is a ZMQ EAGAIN/timeout result from a
// socket configured with SetRcvtimeo, as opposed to a real transport error.
func isTimeout(err error) bool {
	return zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN)
}

// backoff computes exponential backoff capped at max, doubling per failure
// starting from 1s.
func backoff(failures int, max time.Duration) time.Duration {
	d := time.Second
	for i := 1; i < failures; i++ {
		d *= 2
		if d > max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
