package tunnel

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// relayBurstSize bounds how far a capped tunnel can run ahead of its
// limit, and doubles as the relay copy buffer size.
const relayBurstSize = 32 * 1024

// newRelayLimiter builds a token bucket for one relay direction. The
// limiter lives as long as the tunnel so the cap holds across operator
// reconnects. A zero or negative cap means unlimited and returns nil.
func newRelayLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := relayBurstSize
	if int64(burst) > bytesPerSecond {
		burst = int(bytesPerSecond)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// rateLimitedWriter applies a shared limiter to writes. The wait happens
// after the write so the underlying transport's buffering stays
// untouched; over any window longer than one burst the throughput
// converges on the limiter's rate.
type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// newRateLimitedWriter wraps w with limiter. A nil limiter returns w
// unchanged.
func newRateLimitedWriter(ctx context.Context, w io.Writer, limiter *rate.Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &rateLimitedWriter{w: w, limiter: limiter, ctx: ctx}
}

// Write implements io.Writer. Writes larger than the burst size are
// split so WaitN never exceeds the limiter's burst.
func (w *rateLimitedWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > w.limiter.Burst() {
			chunk = chunk[:w.limiter.Burst()]
		}

		n, err := w.w.Write(chunk)
		total += n
		if err != nil {
			return total, err
		}

		if waitErr := w.limiter.WaitN(w.ctx, n); waitErr != nil {
			return total, waitErr
		}

		p = p[len(chunk):]
	}
	return total, nil
}
