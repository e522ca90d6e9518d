package leasestore

import (
	"time"

	"github.com/google/uuid"

	"github.com/arloliu/ephost/types"
)

// Clock returns the current time. Stores take one so tests can move time forward.
type Clock func() time.Time

// NewToken returns a fresh fencing token.
func NewToken() string {
	return uuid.NewString()
}

// CanAcquire reports whether host may take the stored lease.
//
// The lease is available when it is unowned or expired, when host already owns it, or
// when the stored token still equals the token the caller observed. The last case is a
// steal: it only succeeds if nobody changed the lease since the caller read it.
//
// Parameters:
//   - stored: The current persisted lease
//   - host: The acquiring host name
//   - observedToken: Token the caller read before deciding to acquire
//   - now: Current time
func CanAcquire(stored *types.Lease, host, observedToken string, now time.Time) bool {
	switch {
	case stored.IsExpired(now):
		return true
	case stored.Owner == host:
		return true
	case observedToken != "" && stored.Token == observedToken:
		return true
	default:
		return false
	}
}

// CanRenew reports whether the holder of token still owns the stored lease.
func CanRenew(stored *types.Lease, host, token string) bool {
	return token != "" && stored.Token == token && stored.Owner == host
}

// Grant transfers the stored lease to host: the epoch is incremented, a new token is
// issued and the expiry is pushed out by duration.
func Grant(stored *types.Lease, host string, duration time.Duration, now time.Time) {
	stored.Epoch++
	stored.Token = NewToken()
	stored.Owner = host
	stored.ExpiresAt = now.Add(duration)
	stored.Owned = true
}

// Extend pushes the stored lease expiry out by duration.
func Extend(stored *types.Lease, duration time.Duration, now time.Time) {
	stored.ExpiresAt = now.Add(duration)
	stored.Owned = true
}

// Clear drops ownership of the stored lease. Epoch and checkpoint are kept.
func Clear(stored *types.Lease) {
	stored.Owner = ""
	stored.Token = ""
	stored.ExpiresAt = time.Time{}
	stored.Owned = false
}

// Observe fills the derived Owned flag of a lease read from storage.
func Observe(stored *types.Lease, now time.Time) {
	stored.Owned = !stored.IsExpired(now)
}

// CopyOwnership copies the ownership fields of src into dst. Stores use it to update
// the caller's lease in place after a successful write.
func CopyOwnership(dst, src *types.Lease) {
	dst.Owner = src.Owner
	dst.Owned = src.Owned
	dst.Epoch = src.Epoch
	dst.Token = src.Token
	dst.ExpiresAt = src.ExpiresAt
}
