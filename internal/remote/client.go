// Package remote defines the boundary to the third-party messaging network.
// The protocol implementation itself is out of scope: a concrete SDK is
// injected behind the Dialer/Client interfaces, and its errors are decoded
// into tagged RPCError values exactly once, at this boundary.
package remote

import (
	"context"
	"time"
)

// Identity is the account the remote network reports for an authenticated
// session.
type Identity struct {
	ID          int64  `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName"`
	Phone       string `json:"phone,omitempty"`
}

// PasswordInfo carries the account-specific second-factor parameters. The
// salts are only valid for the in-flight auth attempt and must be fetched
// immediately before computing a proof.
type PasswordInfo struct {
	Salt1 []byte
	Salt2 []byte
	SRPID int64
}

// DialOptions configure a new client connection. A nil SessionBlob dials an
// unauthenticated connection for the sign-in flow; a non-nil blob restores a
// previously exported session.
type DialOptions struct {
	AppID         int32
	AppHash       string
	SessionBlob   []byte
	DC            int
	DeviceModel   string
	SystemVersion string
	AppVersion    string
	LangCode      string
}

// Dialer constructs clients. Implementations wrap the concrete SDK.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Client, error)
}

// Client is one live connection to the remote network. Ownership is
// exclusive: the connection pool holds at most one per local user and callers
// borrow it for a single operation.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// SendCode asks the network to deliver a login code to phone and returns
	// the correlation hash required by SignIn.
	SendCode(ctx context.Context, phone string) (codeHash string, err error)

	// SignIn completes code verification. When the account has a second
	// factor configured it fails with a TwoFactorNeeded RPCError and the
	// connection must be kept alive for CheckPassword.
	SignIn(ctx context.Context, phone, code, codeHash string) error

	// PasswordInfo fetches the current second-factor parameters.
	PasswordInfo(ctx context.Context) (*PasswordInfo, error)

	// CheckPassword submits a proof computed from PasswordInfo.
	CheckPassword(ctx context.Context, proof []byte) error

	// Self returns the authenticated account identity.
	Self(ctx context.Context) (*Identity, error)

	// Ping is the cheap liveness probe used by health checks.
	Ping(ctx context.Context) error

	// Migrate reconnects to the given datacenter, keeping auth state.
	Migrate(ctx context.Context, dc int) error

	// ExportSession serializes the session material for encrypted storage.
	ExportSession() ([]byte, error)

	// DC reports the datacenter currently serving this connection.
	DC() int
}

// Ready reports whether the client answers a probe within the given timeout.
func Ready(ctx context.Context, c Client, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Ping(ctx) == nil
}
