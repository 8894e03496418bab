package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/energizer-project/worldgate/internal/protocol"
)

// ServiceOptions tunes a Service.
type ServiceOptions struct {
	MaxConcurrentLookups int64
	LookupTimeout        time.Duration
	ResumeTTL            time.Duration
	ResumeCapacity       int
}

// Service fronts an AccountStore for connection handshakes. Every lookup
// holds a slot from a shared semaphore and runs under a timeout.
type Service struct {
	store   AccountStore
	sem     *semaphore.Weighted
	timeout time.Duration
	resume  *ResumeRegistry
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// NewService creates a Service over store.
func NewService(store AccountStore, opts ServiceOptions) *Service {
	if opts.MaxConcurrentLookups <= 0 {
		opts.MaxConcurrentLookups = 64
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 10 * time.Second
	}
	if opts.ResumeTTL <= 0 {
		opts.ResumeTTL = time.Minute
	}
	if opts.ResumeCapacity <= 0 {
		opts.ResumeCapacity = 10000
	}
	return &Service{
		store:   store,
		sem:     semaphore.NewWeighted(opts.MaxConcurrentLookups),
		timeout: opts.LookupTimeout,
		resume:  NewResumeRegistry(opts.ResumeCapacity, opts.ResumeTTL),
		logger:  log.With().Str("component", "auth").Logger(),
	}
}

func withSlot[T any](ctx context.Context, s *Service, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("credential lookup slot: %w", err)
	}
	defer s.sem.Release(1)
	return fn(ctx)
}

// AccountByTicket resolves a realm join ticket.
func (s *Service) AccountByTicket(ctx context.Context, ticket string) (*AccountRecord, error) {
	return withSlot(ctx, s, func(ctx context.Context) (*AccountRecord, error) {
		return s.store.AccountByTicket(ctx, ticket)
	})
}

// AccountByID resolves an account id.
func (s *Service) AccountByID(ctx context.Context, id uint32) (*AccountRecord, error) {
	return withSlot(ctx, s, func(ctx context.Context) (*AccountRecord, error) {
		return s.store.AccountByID(ctx, id)
	})
}

// IsAddressBanned checks the IP ban list.
func (s *Service) IsAddressBanned(ctx context.Context, ip string) (bool, error) {
	return withSlot(ctx, s, func(ctx context.Context) (bool, error) {
		return s.store.IsAddressBanned(ctx, ip)
	})
}

// CountryForAddress maps ip to a country code, or "" when unknown.
func (s *Service) CountryForAddress(ctx context.Context, ip string) (string, error) {
	return withSlot(ctx, s, func(ctx context.Context) (string, error) {
		return s.store.CountryForAddress(ctx, ip)
	})
}

// PersistSessionKey stores the rotated session key in the background.
// Failures are logged; the handshake does not wait for them.
func (s *Service) PersistSessionKey(accountID uint32, key []byte) {
	stored := append([]byte(nil), key...)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := withSlot(context.Background(), s, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.store.SaveSessionKey(ctx, accountID, stored)
		})
		if err != nil {
			s.logger.Error().Err(err).Uint32("account_id", accountID).Msg("failed to persist session key")
		}
	}()
}

// IssueResumeKey hands out a single-use key for a continued session.
func (s *Service) IssueResumeKey(accountID uint32, connType protocol.ConnectionType) (protocol.ConnectToKey, error) {
	return s.resume.Issue(accountID, connType)
}

// ConsumeResumeKey redeems a key issued by IssueResumeKey.
func (s *Service) ConsumeResumeKey(key protocol.ConnectToKey) bool {
	return s.resume.Consume(key)
}

// PendingResumeKeys returns the number of outstanding keys.
func (s *Service) PendingResumeKeys() int {
	return s.resume.Len()
}

// Wait blocks until background persistence has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}
