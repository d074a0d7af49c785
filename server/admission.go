package server

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
	"github.com/caio-sobreiro/dicomrelay/interfaces"
	"github.com/caio-sobreiro/dicomrelay/metrics"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// admission applies a token bucket per calling AE title and evicts idle buckets.
type admission struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu     sync.Mutex
	byAE   map[string]*bucket
	checks uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newAdmission returns nil for a non-positive rate or burst, which admits everything.
func newAdmission(rps float64, burst int, idleTTL time.Duration) *admission {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &admission{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
		byAE:    make(map[string]*bucket),
	}
}

// allow consumes one token for the calling AE title.
func (a *admission) allow(callingAE string) bool {
	if a == nil {
		return true
	}
	callingAE = strings.TrimSpace(callingAE)
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.byAE[callingAE]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(a.limit, a.burst)}
		a.byAE[callingAE] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	a.checks++
	if a.checks%256 == 0 {
		cutoff := now.Add(-a.idleTTL)
		for ae, v := range a.byAE {
			if v.lastSeen.Before(cutoff) {
				delete(a.byAE, ae)
			}
		}
	}

	return allowed
}

// admissionListener rejects associations over the limit before the wrapped listener sees them.
type admissionListener struct {
	admission *admission
	next      interfaces.AssociationListener
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func (l *admissionListener) Associated(ctx context.Context, assoc *types.AssociationContext) error {
	if !l.admission.allow(assoc.CallingAETitle) {
		l.logger.Warn("Association rate limit exceeded",
			"calling_ae", assoc.CallingAETitle,
			"serial", assoc.Serial)
		l.metrics.AdmissionRejected()
		return dicomerrors.NewTransientAssociationError(
			dicomerrors.RejectSourceServiceProviderPresentation,
			dicomerrors.RejectReasonLocalLimitExceeded,
			"association rate limit exceeded for "+assoc.CallingAETitle)
	}
	if l.next == nil {
		return nil
	}
	return l.next.Associated(ctx, assoc)
}

func (l *admissionListener) Closed(assoc *types.AssociationContext) {
	if l.next != nil {
		l.next.Closed(assoc)
	}
}
