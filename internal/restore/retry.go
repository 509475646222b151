package restore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"restorable.io/cluster-restore/internal/logutil"
	"restorable.io/cluster-restore/internal/metrics"
)

// RetryPolicy bounds how often a callback is retried while its consumer
// reports a temporary error.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.MaxRetries))
}

// retry runs fn until it succeeds, fails permanently or the policy gives up.
// A failure is retried only while c.HasTempError reports true.
func (d *driver) retry(ctx context.Context, c Consumer, callback string, fn func() error) error {
	temporary := false
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		temporary = c.HasTempError()
		if !temporary {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.progress.retries.Inc()
		metrics.Retries.WithLabelValues(d.backupLabel, callback).Inc()
		logutil.CL(ctx).Warn("temporary error, retrying",
			zap.String("callback", callback),
			zap.Duration("wait", wait),
			logutil.ShortError(err))
	}
	err := backoff.RetryNotify(op, d.opts.Retry.backOff(), notify)
	if err != nil && temporary {
		return ErrRetryExhausted.Wrap(err).GenWithStackByArgs(d.opts.Retry.MaxRetries)
	}
	return err
}
