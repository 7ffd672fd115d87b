package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/p-arndt/werkstatt/internal/errdefs"
)

// Opener constructs a backend. It should not block for long; reachability
// is checked with Ping afterwards.
type Opener func(ctx context.Context) (Backend, error)

// Preferred resolves the configured mode. "auto" picks the cluster runtime
// in production and the local runtime everywhere else.
func Preferred(configured string, production bool) Mode {
	switch configured {
	case string(ModeCluster):
		return ModeCluster
	case string(ModeLocal):
		return ModeLocal
	}
	if production {
		return ModeCluster
	}
	return ModeLocal
}

// Select opens the preferred backend and falls back from cluster to local
// when the cluster is unreachable. It fails with ErrBackendUnavailable only
// when no candidate answers a ping.
func Select(ctx context.Context, preferred Mode, openers map[Mode]Opener, probeTimeout time.Duration, logger *slog.Logger) (Backend, error) {
	candidates := []Mode{preferred}
	if preferred == ModeCluster {
		candidates = append(candidates, ModeLocal)
	}

	var errs []error
	for _, mode := range candidates {
		open, ok := openers[mode]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: no opener registered", mode))
			continue
		}

		b, err := probe(ctx, open, probeTimeout)
		if err != nil {
			logger.Warn("runtime backend unavailable", "mode", mode, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", mode, err))
			continue
		}

		if mode != preferred {
			logger.Warn("runtime backend downgraded", "preferred", preferred, "selected", mode)
		} else {
			logger.Info("runtime backend selected", "mode", mode)
		}
		return b, nil
	}

	return nil, fmt.Errorf("%w: %w", errdefs.ErrBackendUnavailable, errors.Join(errs...))
}

func probe(ctx context.Context, open Opener, timeout time.Duration) (Backend, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b, err := open(pctx)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := b.Ping(pctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return b, nil
}
