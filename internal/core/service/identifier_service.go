package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/clinic-core/internal/core/domain"
	"github.com/rl1809/clinic-core/internal/port"
)

var ErrDuplicateRequest = errors.New("duplicate request")

type IssuanceConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// IdentifierService issues human-readable identifiers from per-prefix counters.
type IdentifierService struct {
	seq   port.SequenceRepository
	cache port.CacheRepository
	cfg   IssuanceConfig
	log   zerolog.Logger
}

func NewIdentifierService(seq port.SequenceRepository, cache port.CacheRepository, cfg IssuanceConfig, log zerolog.Logger) *IdentifierService {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &IdentifierService{
		seq:   seq,
		cache: cache,
		cfg:   cfg,
		log:   log.With().Str("component", "identifier_service").Logger(),
	}
}

// GenerateNextID issues the next identifier for an arbitrary prefix and width.
func (s *IdentifierService) GenerateNextID(ctx context.Context, prefix string, width int) (string, error) {
	scheme, err := domain.NewScheme(prefix, width)
	if err != nil {
		return "", err
	}
	return s.Generate(ctx, scheme)
}

// Generate takes one value from the scheme's counter and formats it.
// Conflicts reported by the store are retried up to MaxAttempts times.
func (s *IdentifierService) Generate(ctx context.Context, scheme domain.Scheme) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		n, err := s.seq.NextValue(ctx, scheme.Prefix)
		if err == nil {
			id, err := scheme.Format(n)
			if err != nil {
				s.log.Error().Err(err).Str("prefix", scheme.Prefix).Uint64("value", n).Msg("identifier space exhausted")
				return "", err
			}
			return id, nil
		}
		if !errors.Is(err, domain.ErrConcurrentIssuance) {
			return "", fmt.Errorf("advance counter %s: %w", scheme.Prefix, err)
		}

		lastErr = err
		s.log.Warn().Err(err).Str("prefix", scheme.Prefix).Int("attempt", attempt).Msg("issuance conflict, retrying")
		if attempt == s.cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(time.Duration(attempt) * s.cfg.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return "", fmt.Errorf("issue %s identifier after %d attempts: %w", scheme.Prefix, s.cfg.MaxAttempts, lastErr)
}

// GenerateOnce is Generate guarded by a request key: a replayed key is
// rejected with ErrDuplicateRequest instead of burning another value.
func (s *IdentifierService) GenerateOnce(ctx context.Context, scheme domain.Scheme, requestKey string) (string, error) {
	if requestKey == "" || s.cache == nil {
		return s.Generate(ctx, scheme)
	}

	idempotencyKey := fmt.Sprintf("identifier:%s:%s", scheme.Prefix, requestKey)
	ok, err := s.cache.SetIdempotency(ctx, idempotencyKey)
	if err != nil {
		return "", fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		return "", ErrDuplicateRequest
	}

	id, err := s.Generate(ctx, scheme)
	if err != nil {
		// Nothing was issued, so the caller may retry under the same key.
		if relErr := s.cache.DeleteIdempotency(context.WithoutCancel(ctx), idempotencyKey); relErr != nil {
			s.log.Error().Err(relErr).Str("key", idempotencyKey).Msg("failed to release idempotency key")
		}
		return "", err
	}
	return id, nil
}

// Seed raises the scheme's counter past lastID, typically the highest
// identifier found in legacy rows. Malformed identifiers are refused.
func (s *IdentifierService) Seed(ctx context.Context, scheme domain.Scheme, lastID string) error {
	if lastID == "" {
		return nil
	}
	n, err := scheme.Parse(lastID)
	if err != nil {
		return err
	}
	if err := s.seq.Seed(ctx, scheme.Prefix, n); err != nil {
		return fmt.Errorf("seed counter %s: %w", scheme.Prefix, err)
	}
	s.log.Info().Str("prefix", scheme.Prefix).Str("last_id", lastID).Msg("counter seeded")
	return nil
}
