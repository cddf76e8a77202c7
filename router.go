package stash

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AndrewDonelson/stash/internal/clock"
	"github.com/AndrewDonelson/stash/internal/l2"
	"github.com/AndrewDonelson/stash/internal/l3"
)

// Tier labels used in metrics and logs.
const (
	tierL1 = "l1"
	tierL2 = "l2"
	tierL3 = "l3"
)

// ────────────────────────────────────────────────────────────────────────────
// Payload helpers
// ────────────────────────────────────────────────────────────────────────────

// seal encrypts a payload bound for L2 or L3. L1 always holds plaintext.
func (s *Store) seal(plain []byte) ([]byte, error) {
	if s.encryptor == nil {
		return plain, nil
	}
	return s.encryptor.Encrypt(plain)
}

// open reverses seal.
func (s *Store) open(sealed []byte) ([]byte, error) {
	if s.encryptor == nil {
		return sealed, nil
	}
	return s.encryptor.Decrypt(sealed)
}

// decode turns a stored payload into a Value. On failure the entry is
// deleted from the tier it came from and ok is false. plain is the
// decrypted payload suitable for L1.
func (s *Store) decode(ctx context.Context, tier, key string, raw []byte) (v Value, plain []byte, ok bool) {
	plain = raw
	if tier != tierL1 {
		var err error
		if plain, err = s.open(raw); err != nil {
			s.dropCorrupt(ctx, tier, key, err)
			return Value{}, nil, false
		}
	}
	ser := s.newSerializer()
	ser.Unserialize(plain)
	if !ser.Success() {
		s.dropCorrupt(ctx, tier, key, ErrDecodeFailed)
		return Value{}, nil, false
	}
	return ser.Data(), plain, true
}

func (s *Store) dropCorrupt(ctx context.Context, tier, key string, cause error) {
	s.stats.Corrupt.Add(1)
	s.metrics.RecordError(tier, "decode")
	s.logger.Warn("stash: dropping undecodable entry", "tier", tier, "key", key, "err", cause)
	switch tier {
	case tierL1:
		s.l1.Delete(key)
	case tierL2:
		if err := s.l2.Delete(ctx, key); err != nil {
			s.l2Failed("delete", err)
		}
	case tierL3:
		if _, err := s.l3.Delete(ctx, key); err != nil {
			s.logger.Warn("stash: L3 delete of undecodable entry failed", "key", key, "err", err)
		}
	}
}

// l2Failed records an L2 error. L2 failures degrade to a miss.
func (s *Store) l2Failed(op string, err error) {
	s.stats.Errors.Add(1)
	s.metrics.RecordError(tierL2, op)
	s.logger.Warn("stash: L2 operation failed", "op", op, "err", err)
}

// ────────────────────────────────────────────────────────────────────────────
// TTL helpers
// ────────────────────────────────────────────────────────────────────────────

// resolveTTL maps the caller's ttl to a positive duration or NoExpiry.
func (s *Store) resolveTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl < 0 {
		return NoExpiry
	}
	return ttl
}

// expiresAt converts a resolved ttl to the L3 expiry column.
func (s *Store) expiresAt(ttl time.Duration) *time.Time {
	if ttl < 0 {
		return nil
	}
	t := s.cfg.Clock.Now().Add(ttl)
	return &t
}

// remaining converts an L3 expiry back to a ttl for the upper tiers.
func (s *Store) remaining(expiresAt *time.Time) time.Duration {
	if expiresAt == nil {
		return NoExpiry
	}
	if d := clock.Until(s.cfg.Clock, *expiresAt); d > time.Millisecond {
		return d
	}
	return time.Millisecond
}

// l2TTL maps NoExpiry to the L2 persist convention.
func l2TTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}

// ────────────────────────────────────────────────────────────────────────────
// Read path
// ────────────────────────────────────────────────────────────────────────────

func (s *Store) getL1(key string) (Value, bool) {
	raw, ok := s.l1.Get(key)
	if ok {
		if v, _, ok := s.decode(context.Background(), tierL1, key, raw); ok {
			s.metrics.RecordHit(tierL1)
			return v, true
		}
	}
	s.metrics.RecordMiss(tierL1)
	return Value{}, false
}

// routerGet attempts L1 → L2 → L3 and back-fills upper tiers on a hit.
func (s *Store) routerGet(ctx context.Context, key string) (Value, error) {
	if v, ok := s.getL1(key); ok {
		return v, nil
	}

	if s.l2 != nil {
		raw, ttl, err := s.l2.GetWithTTL(ctx, key)
		switch {
		case err == nil:
			if v, plain, ok := s.decode(ctx, tierL2, key, raw); ok {
				s.metrics.RecordHit(tierL2)
				if ttl != 0 {
					s.l1.Set(key, plain, ttl)
				}
				return v, nil
			}
		case !errors.Is(err, l2.ErrMiss):
			s.l2Failed("get", err)
		}
		s.metrics.RecordMiss(tierL2)
	}

	if s.l3 != nil {
		return s.getL3(ctx, key)
	}
	return Value{}, ErrNotFound
}

// getL3 reads key from L3 and back-fills L2 then L1.
func (s *Store) getL3(ctx context.Context, key string) (Value, error) {
	raw, exp, err := s.l3.Get(ctx, key)
	if err != nil {
		if errors.Is(err, l3.ErrMiss) {
			s.metrics.RecordMiss(tierL3)
			return Value{}, ErrNotFound
		}
		s.metrics.RecordError(tierL3, "get")
		return Value{}, fmt.Errorf("%w: %w", ErrL3Unavailable, err)
	}
	v, plain, ok := s.decode(ctx, tierL3, key, raw)
	if !ok {
		s.metrics.RecordMiss(tierL3)
		return Value{}, ErrNotFound
	}
	s.metrics.RecordHit(tierL3)
	ttl := s.remaining(exp)
	if s.l2 != nil {
		if err := s.l2.Set(ctx, key, raw, l2TTL(ttl)); err != nil {
			s.l2Failed("backfill", err)
		}
	}
	s.l1.Set(key, plain, ttl)
	return v, nil
}

// ────────────────────────────────────────────────────────────────────────────
// Write path
// ────────────────────────────────────────────────────────────────────────────

// routerSet serializes once and writes L3 → L2 → L1. In write-behind mode
// the L3 write is queued after L2 and L1 are updated.
func (s *Store) routerSet(ctx context.Context, key string, v any, ttl time.Duration) error {
	payload, err := s.newSerializer().Serialize(v)
	if err != nil {
		s.metrics.RecordError(tierL1, "encode")
		return err
	}
	sealed, err := s.seal(payload)
	if err != nil {
		return fmt.Errorf("stash: encrypt %s: %w", key, err)
	}
	ttl = s.resolveTTL(ttl)

	writeBehind := s.cfg.WriteMode == WriteBehind && s.l3 != nil
	if s.l3 != nil && !writeBehind {
		if err := s.l3.Upsert(ctx, key, sealed, s.expiresAt(ttl)); err != nil {
			s.metrics.RecordError(tierL3, "set")
			return fmt.Errorf("%w: %w", ErrL3Unavailable, err)
		}
	}
	if s.l2 != nil {
		if err := s.l2.Set(ctx, key, sealed, l2TTL(ttl)); err != nil {
			s.l2Failed("set", err)
		}
	}
	s.l1.Set(key, payload, ttl)
	if writeBehind {
		s.sync.queueDirty(key, sealed, s.expiresAt(ttl))
	}
	s.sync.publishInvalidation(ctx, key, opSet)
	return nil
}

// routerDelete removes key from every tier and any pending write-behind entry.
func (s *Store) routerDelete(ctx context.Context, key string) error {
	defer s.sync.holdFlush()()
	s.sync.dropDirty(key)
	s.l1.Delete(key)
	if s.l2 != nil {
		if err := s.l2.Delete(ctx, key); err != nil {
			s.l2Failed("delete", err)
		}
	}
	if s.l3 != nil {
		if _, err := s.l3.Delete(ctx, key); err != nil {
			s.metrics.RecordError(tierL3, "delete")
			return fmt.Errorf("%w: %w", ErrL3Unavailable, err)
		}
	}
	s.sync.publishInvalidation(ctx, key, opDelete)
	return nil
}
