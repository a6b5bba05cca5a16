// Package devnet is a deterministic in-process stand-in for the remote
// messaging network. It backs the "dev" telegram backend and the package
// tests; no traffic leaves the process.
package devnet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Solvire/gramline/internal/remote"
)

// Account is one provisioned test account
type Account struct {
	Phone    string
	Code     string // the login code the network "delivers"
	Password string // empty means no second factor
	Identity remote.Identity

	revoked bool
}

// Network simulates the remote side: accounts, issued code hashes, exported
// sessions, and scripted failures.
type Network struct {
	mu        sync.Mutex
	accounts  map[string]*Account
	codes     map[string]string // codeHash -> phone
	scripted  map[string][]error
	dialCount int
	dc        int
}

// New creates an empty simulated network on datacenter 1
func New() *Network {
	return &Network{
		accounts: make(map[string]*Account),
		codes:    make(map[string]string),
		scripted: make(map[string][]error),
		dc:       1,
	}
}

// AddAccount provisions an account
func (n *Network) AddAccount(a Account) {
	n.mu.Lock()
	defer n.mu.Unlock()
	acct := a
	n.accounts[a.Phone] = &acct
}

// Revoke invalidates every session of the given phone, as the network does
// when the user terminates the session from another device.
func (n *Network) Revoke(phone string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if acct, ok := n.accounts[phone]; ok {
		acct.revoked = true
	}
}

// FailNext queues err to be returned by the next call of op. Ops: "Dial",
// "Connect", "SendCode", "SignIn", "CheckPassword", "Self", "Ping".
func (n *Network) FailNext(op string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scripted[op] = append(n.scripted[op], err)
}

// DialCount reports how many clients were constructed
func (n *Network) DialCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dialCount
}

func (n *Network) popScripted(op string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	q := n.scripted[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	n.scripted[op] = q[1:]
	return err
}

// sessionState is the plaintext session blob format
type sessionState struct {
	Phone      string `json:"phone"`
	DC         int    `json:"dc"`
	Authorized bool   `json:"authorized"`
}

// Dial implements remote.Dialer
func (n *Network) Dial(ctx context.Context, opts remote.DialOptions) (remote.Client, error) {
	if err := n.popScripted("Dial"); err != nil {
		return nil, err
	}

	c := &client{net: n, dc: n.dc}
	if opts.DC != 0 {
		c.dc = opts.DC
	}

	if opts.SessionBlob != nil {
		var st sessionState
		if err := json.Unmarshal(opts.SessionBlob, &st); err != nil {
			return nil, fmt.Errorf("malformed session blob: %w", err)
		}
		c.phone = st.Phone
		c.authorized = st.Authorized
		if st.DC != 0 {
			c.dc = st.DC
		}
	}

	n.mu.Lock()
	n.dialCount++
	n.mu.Unlock()

	return c, nil
}

type client struct {
	net *Network

	mu         sync.Mutex
	phone      string
	authorized bool
	connected  bool
	dc         int
	pwInfo     *remote.PasswordInfo
	pwPending  bool
}

func (c *client) account() (*Account, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	acct, ok := c.net.accounts[c.phone]
	if !ok {
		return nil, remote.NewRPCError(remote.KindInvalidCredential, "AUTH_KEY_UNREGISTERED")
	}
	if acct.revoked {
		return nil, remote.NewRPCError(remote.KindInvalidCredential, "SESSION_REVOKED")
	}
	return acct, nil
}

func (c *client) Connect(ctx context.Context) error {
	if err := c.net.popScripted("Connect"); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *client) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *client) SendCode(ctx context.Context, phone string) (string, error) {
	if err := c.net.popScripted("SendCode"); err != nil {
		return "", err
	}

	c.net.mu.Lock()
	_, known := c.net.accounts[phone]
	c.net.mu.Unlock()
	if !known {
		return "", remote.NewRPCError(remote.KindPhoneInvalid, "PHONE_NUMBER_INVALID")
	}

	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	hash := hex.EncodeToString(buf)

	c.net.mu.Lock()
	c.net.codes[hash] = phone
	c.net.mu.Unlock()

	c.mu.Lock()
	c.phone = phone
	c.mu.Unlock()

	return hash, nil
}

func (c *client) SignIn(ctx context.Context, phone, code, codeHash string) error {
	if err := c.net.popScripted("SignIn"); err != nil {
		return err
	}

	c.net.mu.Lock()
	issuedFor, ok := c.net.codes[codeHash]
	acct := c.net.accounts[phone]
	c.net.mu.Unlock()

	if !ok || issuedFor != phone {
		return remote.NewRPCError(remote.KindCodeExpired, "PHONE_CODE_EXPIRED")
	}
	if acct == nil {
		return remote.NewRPCError(remote.KindPhoneInvalid, "PHONE_NUMBER_INVALID")
	}
	if acct.Code != code {
		return remote.NewRPCError(remote.KindInvalidCode, "PHONE_CODE_INVALID")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.phone = phone

	if acct.Password != "" {
		c.pwPending = true
		return remote.NewRPCError(remote.KindTwoFactorNeeded, "SESSION_PASSWORD_NEEDED")
	}

	c.authorized = true
	return nil
}

func (c *client) PasswordInfo(ctx context.Context) (*remote.PasswordInfo, error) {
	salt1 := make([]byte, 16)
	salt2 := make([]byte, 16)
	if _, err := rand.Read(salt1); err != nil {
		return nil, err
	}
	if _, err := rand.Read(salt2); err != nil {
		return nil, err
	}

	info := &remote.PasswordInfo{Salt1: salt1, Salt2: salt2, SRPID: 1}

	c.mu.Lock()
	c.pwInfo = info
	c.mu.Unlock()

	return info, nil
}

func (c *client) CheckPassword(ctx context.Context, proof []byte) error {
	if err := c.net.popScripted("CheckPassword"); err != nil {
		return err
	}

	c.mu.Lock()
	info := c.pwInfo
	pending := c.pwPending
	c.mu.Unlock()

	if !pending || info == nil {
		return remote.NewRPCError(remote.KindOther, "PASSWORD_NOT_PENDING")
	}

	acct, err := c.account()
	if err != nil {
		return err
	}

	expected := remote.ComputeProof(acct.Password, info)
	if !remote.VerifyProof(expected, proof) {
		return remote.NewRPCError(remote.KindInvalidPassword, "PASSWORD_HASH_INVALID")
	}

	c.mu.Lock()
	c.authorized = true
	c.pwPending = false
	c.mu.Unlock()

	return nil
}

func (c *client) Self(ctx context.Context) (*remote.Identity, error) {
	if err := c.net.popScripted("Self"); err != nil {
		return nil, err
	}

	c.mu.Lock()
	authorized := c.authorized
	c.mu.Unlock()
	if !authorized {
		return nil, remote.NewRPCError(remote.KindInvalidCredential, "AUTH_KEY_UNREGISTERED")
	}

	acct, err := c.account()
	if err != nil {
		return nil, err
	}

	id := acct.Identity
	return &id, nil
}

func (c *client) Ping(ctx context.Context) error {
	if err := c.net.popScripted("Ping"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return remote.NewRPCError(remote.KindTransient, "CONNECTION_CLOSED")
	}
	return nil
}

func (c *client) Migrate(ctx context.Context, dc int) error {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()
	return nil
}

func (c *client) ExportSession() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Marshal(sessionState{Phone: c.phone, DC: c.dc, Authorized: c.authorized})
}

func (c *client) DC() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dc
}
