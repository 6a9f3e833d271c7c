package dossier

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/time/rate"

	"dossier/pkg/pipeline"
)

// pacedService holds every call to a service to a per-run request rate.
// Retries made by the adapter are paced too.
type pacedService struct {
	pipeline.Service
	limiter *rate.Limiter
}

// paced allows bursts of one second's worth of calls.
func paced(svc pipeline.Service, rps float64) *pacedService {
	burst := max(1, int(math.Ceil(rps)))
	return &pacedService{Service: svc, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (p *pacedService) Call(ctx context.Context, req pipeline.Request) (pipeline.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return pipeline.Response{}, ctx.Err()
		}
		return pipeline.Response{}, fmt.Errorf("%w: %w", pipeline.ErrRateLimited, err)
	}
	return p.Service.Call(ctx, req)
}
