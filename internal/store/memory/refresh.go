package memory

import (
	"context"
	"time"

	"tenantcore.io/internal/tokens"
)

func (s *Store) CreateRefreshToken(_ context.Context, t tokens.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[t.ID] = t
	return nil
}

func (s *Store) GetRefreshToken(_ context.Context, id string) (tokens.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.refresh[id]
	if !ok {
		return tokens.RefreshToken{}, tokens.ErrRefreshNotFound
	}
	return t, nil
}

func (s *Store) RotateRefreshToken(_ context.Context, id string, next tokens.RefreshToken, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.refresh[id]
	if !ok {
		return tokens.ErrRefreshNotFound
	}
	if cur.Status != tokens.RefreshIssued {
		return tokens.ErrAlreadyRedeemed
	}
	cur.Status = tokens.RefreshRedeemed
	cur.RedeemedAt = &at
	cur.ReplacedBy = next.ID
	s.refresh[id] = cur
	s.refresh[next.ID] = next
	return nil
}

func (s *Store) RevokeRefreshChain(_ context.Context, id string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	seen := map[string]struct{}{}
	for id != "" {
		if _, loop := seen[id]; loop {
			break
		}
		seen[id] = struct{}{}
		t, ok := s.refresh[id]
		if !ok {
			break
		}
		if t.Status != tokens.RefreshRevoked {
			t.Status = tokens.RefreshRevoked
			t.RevokedAt = &at
			s.refresh[id] = t
			n++
		}
		id = t.ReplacedBy
	}
	return n, nil
}

func (s *Store) RevokeUserRefreshTokens(_ context.Context, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.refresh {
		if t.UserID != userID || t.Status == tokens.RefreshRevoked {
			continue
		}
		t.Status = tokens.RefreshRevoked
		t.RevokedAt = &at
		s.refresh[id] = t
		n++
	}
	return n, nil
}

func (s *Store) PurgeRefreshTokens(_ context.Context, expiredBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.refresh {
		if t.ExpiresAt.Before(expiredBefore) {
			delete(s.refresh, id)
			n++
		}
	}
	return n, nil
}
