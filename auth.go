package scopez

import (
	"context"
	"errors"
	"sync"

	"github.com/zoobzio/clockz"
)

var (
	errNoCredential      = errors.New("no credential")
	errExpiredCredential = errors.New("credential expired")
)

// CredentialSource supplies the current credential. ok is false when no
// credential is available.
type CredentialSource interface {
	Credential(ctx context.Context) (cred Credential, ok bool)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(ctx context.Context) (Credential, bool)

// Credential implements CredentialSource.
func (f CredentialFunc) Credential(ctx context.Context) (Credential, bool) {
	return f(ctx)
}

// StaticCredential is a CredentialSource that always returns the same value.
type StaticCredential Credential

// Credential implements CredentialSource.
func (s StaticCredential) Credential(context.Context) (Credential, bool) {
	return Credential(s), s.Token != ""
}

// RefreshFunc obtains a new credential. An Auth stage never runs it
// concurrently with itself; callers that find their credential rejected
// while a refresh is running wait for it and reuse its credential.
type RefreshFunc func(ctx context.Context) (Credential, error)

// Auth attaches credential context to every operation before it continues.
//
// Without a refresh hook Auth short-circuits with an AuthError (Fatal) when
// the credential is absent or expired. With a refresh hook it tries exactly
// one refresh in two situations: when the credential is absent or expired up
// front, and when the rest of the pipeline rejects the operation with an
// AuthError. In the second case the operation is retried once with the
// refreshed credential. A refreshed credential is kept for later operations.
//
// Example:
//
//	auth := scopez.NewAuth("auth", tokenStore).WithRefresh(func(ctx context.Context) (scopez.Credential, error) {
//	    return oauth.Refresh(ctx)
//	})
type Auth struct {
	source    CredentialSource
	refresh   RefreshFunc
	clock     clockz.Clock
	refreshed *Credential
	name      Name
	epoch     uint64
	mu        sync.RWMutex
	refreshMu sync.Mutex
}

// NewAuth creates an Auth stage reading credentials from source.
func NewAuth(name Name, source CredentialSource) *Auth {
	return &Auth{name: name, source: source}
}

// WithRefresh configures the credential-refresh hook.
func (a *Auth) WithRefresh(refresh RefreshFunc) *Auth {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refresh = refresh
	return a
}

// Handle implements Stage.
func (a *Auth) Handle(ctx context.Context, op Operation, next Next) (Result, error) {
	a.mu.RLock()
	refresh := a.refresh
	a.mu.RUnlock()

	cred, seen, err := a.current(ctx)
	refreshed := false
	if err != nil {
		if refresh == nil {
			return Result{}, AuthError(op.Name, err)
		}
		cred, err = a.renew(ctx, refresh, seen)
		if err != nil {
			return Result{}, AuthError(op.Name, err)
		}
		refreshed = true
	}

	result, err := next(ctx, op.WithCredential(cred))
	if err == nil || refreshed || refresh == nil || !errors.Is(err, ErrAuth) {
		return result, err
	}

	cred, rerr := a.renew(ctx, refresh, seen)
	if rerr != nil {
		return result, err
	}
	return next(ctx, op.WithCredential(cred))
}

// current returns a usable credential or the reason there is none, along
// with the refresh epoch it was read at.
func (a *Auth) current(ctx context.Context) (Credential, uint64, error) {
	a.mu.RLock()
	kept, epoch := a.refreshed, a.epoch
	a.mu.RUnlock()

	now := a.getClock().Now()
	if kept != nil && !kept.Expired(now) {
		return *kept, epoch, nil
	}
	if a.source == nil {
		return Credential{}, epoch, errNoCredential
	}
	cred, ok := a.source.Credential(ctx)
	if !ok || cred.Token == "" {
		return Credential{}, epoch, errNoCredential
	}
	if cred.Expired(now) {
		return Credential{}, epoch, errExpiredCredential
	}
	return cred, epoch, nil
}

// renew runs refresh unless another caller already refreshed since epoch
// seen, in which case that credential is returned.
func (a *Auth) renew(ctx context.Context, refresh RefreshFunc, seen uint64) (Credential, error) {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	a.mu.RLock()
	kept, epoch := a.refreshed, a.epoch
	a.mu.RUnlock()
	if epoch != seen && kept != nil && !kept.Expired(a.getClock().Now()) {
		return *kept, nil
	}

	cred, err := refresh(ctx)
	if err != nil {
		return Credential{}, err
	}
	if cred.Token == "" {
		return Credential{}, errNoCredential
	}
	if cred.Expired(a.getClock().Now()) {
		return Credential{}, errExpiredCredential
	}
	a.mu.Lock()
	a.refreshed = &cred
	a.epoch++
	a.mu.Unlock()
	return cred, nil
}

// Name returns the name of this stage.
func (a *Auth) Name() Name {
	return a.name
}

// WithClock sets a custom clock for testing.
func (a *Auth) WithClock(clock clockz.Clock) *Auth {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clock = clock
	return a
}

func (a *Auth) getClock() clockz.Clock {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.clock == nil {
		return clockz.RealClock
	}
	return a.clock
}
