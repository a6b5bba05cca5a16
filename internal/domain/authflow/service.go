package authflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/Solvire/gramline/internal/domain/session"
	"github.com/Solvire/gramline/internal/governor"
	"github.com/Solvire/gramline/internal/remote"
	"github.com/google/uuid"
)

// stateGrace keeps flow state readable slightly past the code window so an
// expired verification attempt reports ErrCodeExpired instead of a vanished
// flow.
const stateGrace = time.Minute

var phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// Config holds the auth-flow settings and remote application credentials
type Config struct {
	CodeTTL       time.Duration
	AppID         int32
	AppHash       string
	DeviceModel   string
	SystemVersion string
	AppVersion    string
	LangCode      string
}

// Service drives the phone → code → optional-2FA sign-in state machine.
// Flow state lives in the StateStore; the half-authenticated connection is
// held in memory because the second factor is bound to the in-flight auth
// attempt and cannot be re-established on a fresh connection.
type Service struct {
	states StateStore
	store  *session.Store
	dialer remote.Dialer
	gov    *governor.Governor
	cfg    Config

	mu    sync.Mutex
	flows map[string]*flowEntry

	now func() time.Time
}

// flowEntry serializes the steps of one flow and owns its pending connection
type flowEntry struct {
	mu       sync.Mutex
	client   remote.Client
	deadline time.Time
}

// NewService creates an auth-flow Service
func NewService(states StateStore, store *session.Store, dialer remote.Dialer, gov *governor.Governor, cfg Config) *Service {
	if cfg.CodeTTL == 0 {
		cfg.CodeTTL = 5 * time.Minute
	}
	return &Service{
		states: states,
		store:  store,
		dialer: dialer,
		gov:    gov,
		cfg:    cfg,
		flows:  make(map[string]*flowEntry),
		now:    time.Now,
	}
}

func (s *Service) entry(flowID string) *flowEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.flows[flowID]
	if !ok {
		e = &flowEntry{}
		s.flows[flowID] = e
	}
	return e
}

func (s *Service) dropEntry(flowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, flowID)
}

// RequestCode starts a fresh sign-in: any prior flow state for this caller is
// discarded, a new unauthenticated connection is opened, and the network is
// asked to deliver a login code. Returns the correlation hash for VerifyCode.
func (s *Service) RequestCode(ctx context.Context, flowID, phone string) (string, error) {
	if !phonePattern.MatchString(phone) {
		return "", ErrPhoneInvalid
	}

	e := s.entry(flowID)
	e.mu.Lock()
	defer e.mu.Unlock()

	// No stale hash reuse: discard whatever came before
	if err := s.states.Delete(ctx, flowID); err != nil {
		return "", err
	}
	if e.client != nil {
		_ = e.client.Disconnect()
		e.client = nil
	}

	client, err := s.dial(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to open connection: %w", err)
	}

	var codeHash string
	err = s.gov.ExecuteMigratable(ctx, func(ctx context.Context) error {
		var opErr error
		codeHash, opErr = client.SendCode(ctx, phone)
		return opErr
	}, client.Migrate)
	if err != nil {
		_ = client.Disconnect()
		if remote.IsKind(err, remote.KindPhoneInvalid) {
			return "", ErrPhoneInvalid
		}
		return "", err
	}

	st := &State{
		Phone:           phone,
		CodeHash:        codeHash,
		CodeRequestedAt: s.now().UTC(),
	}
	if err := s.states.Put(ctx, flowID, st, s.cfg.CodeTTL+stateGrace); err != nil {
		_ = client.Disconnect()
		return "", err
	}

	e.client = client
	e.deadline = s.now().Add(s.cfg.CodeTTL + stateGrace)

	slog.Info("login code requested", "flow_id", flowID, "phone", phone)
	return codeHash, nil
}

// VerifyCode completes code verification. On success the session blob is
// encrypted and persisted for userID and the flow is discarded. When the
// account has a second factor it returns ErrTwoFactorRequired and keeps the
// connection alive for Verify2FA.
func (s *Service) VerifyCode(ctx context.Context, flowID string, userID uuid.UUID, phone, code, codeHash string) ([]byte, error) {
	e := s.entry(flowID)
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := s.states.Get(ctx, flowID)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil, ErrFlowNotFound
		}
		return nil, err
	}

	if st.Phone != phone {
		return nil, ErrOutOfOrder
	}
	if st.CodeHash == "" || st.CodeHash != codeHash {
		// A stale or foreign hash cannot be verified against this flow
		return nil, ErrCodeExpired
	}

	// Expired codes fail locally, without a remote call
	if s.now().Sub(st.CodeRequestedAt) > s.cfg.CodeTTL {
		s.reset(ctx, flowID, e)
		return nil, ErrCodeExpired
	}

	if e.client == nil {
		// Process restarted mid-flow; the hash is still valid remotely
		client, derr := s.dial(ctx, nil)
		if derr != nil {
			return nil, fmt.Errorf("failed to reopen connection: %w", derr)
		}
		e.client = client
	}

	err = s.gov.ExecuteMigratable(ctx, func(ctx context.Context) error {
		return e.client.SignIn(ctx, phone, code, codeHash)
	}, e.client.Migrate)

	if err != nil {
		switch remote.Parse(err).Kind {
		case remote.KindTwoFactorNeeded:
			st.Requires2FA = true
			if perr := s.states.Put(ctx, flowID, st, s.cfg.CodeTTL+stateGrace); perr != nil {
				return nil, perr
			}
			return nil, ErrTwoFactorRequired
		case remote.KindInvalidCode:
			// Flow state is untouched: the caller may retry with a new code
			return nil, ErrInvalidCode
		case remote.KindCodeExpired:
			s.reset(ctx, flowID, e)
			return nil, ErrCodeExpired
		default:
			return nil, err
		}
	}

	return s.finalize(ctx, flowID, e, userID, phone)
}

// Verify2FA submits the second-factor proof. The account-specific parameters
// are fetched immediately before computing the proof, on the same connection
// the code was verified on.
func (s *Service) Verify2FA(ctx context.Context, flowID string, userID uuid.UUID, password string) ([]byte, error) {
	e := s.entry(flowID)
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := s.states.Get(ctx, flowID)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil, ErrFlowNotFound
		}
		return nil, err
	}

	if !st.Requires2FA {
		return nil, ErrOutOfOrder
	}

	if e.client == nil {
		// The partially-authenticated connection is gone; the attempt cannot
		// be resumed and the flow must restart.
		s.reset(ctx, flowID, e)
		return nil, ErrFlowNotFound
	}

	err = s.gov.Execute(ctx, func(ctx context.Context) error {
		info, opErr := e.client.PasswordInfo(ctx)
		if opErr != nil {
			return opErr
		}
		proof := remote.ComputeProof(password, info)
		return e.client.CheckPassword(ctx, proof)
	})

	if err != nil {
		if remote.IsKind(err, remote.KindInvalidPassword) {
			// State kept: the caller may retry with the correct password
			return nil, ErrInvalidPassword
		}
		return nil, err
	}

	return s.finalize(ctx, flowID, e, userID, st.Phone)
}

// Reset discards the flow explicitly (user restart or logout)
func (s *Service) Reset(ctx context.Context, flowID string) {
	e := s.entry(flowID)
	e.mu.Lock()
	s.reset(ctx, flowID, e)
	e.mu.Unlock()
	s.dropEntry(flowID)
}

// Run sweeps abandoned flows until ctx is cancelled, releasing connections
// whose code window has long elapsed.
func (s *Service) Run(ctx context.Context) {
	interval := s.cfg.CodeTTL / 2
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.sweep(time.Time{}) // release everything on shutdown
			return
		case <-ticker.C:
			s.sweep(s.now())
		}
	}
}

// sweep disconnects flow entries past their deadline; a zero cutoff releases
// all of them.
func (s *Service) sweep(cutoff time.Time) {
	s.mu.Lock()
	var victims []*flowEntry
	for id, e := range s.flows {
		if cutoff.IsZero() || cutoff.After(e.deadline) {
			victims = append(victims, e)
			delete(s.flows, id)
		}
	}
	s.mu.Unlock()

	for _, e := range victims {
		e.mu.Lock()
		if e.client != nil {
			_ = e.client.Disconnect()
			e.client = nil
		}
		e.mu.Unlock()
	}
}

// finalize exports the session, persists it encrypted, and discards the flow
func (s *Service) finalize(ctx context.Context, flowID string, e *flowEntry, userID uuid.UUID, phone string) ([]byte, error) {
	blob, err := e.client.ExportSession()
	if err != nil {
		return nil, fmt.Errorf("failed to export session: %w", err)
	}

	meta := session.Metadata{session.MetaLastDC: e.client.DC()}
	if err := s.store.Save(ctx, userID, phone, s.cfg.AppID, s.cfg.AppHash, blob, meta); err != nil {
		return nil, err
	}

	s.reset(ctx, flowID, e)
	s.dropEntry(flowID)

	slog.Info("sign-in completed", "flow_id", flowID, "user_id", userID.String())
	return blob, nil
}

// reset clears state and drops the pending connection; callers hold e.mu
func (s *Service) reset(ctx context.Context, flowID string, e *flowEntry) {
	_ = s.states.Delete(ctx, flowID)
	if e.client != nil {
		_ = e.client.Disconnect()
		e.client = nil
	}
}

func (s *Service) dial(ctx context.Context, blob []byte) (remote.Client, error) {
	client, err := s.dialer.Dial(ctx, remote.DialOptions{
		AppID:         s.cfg.AppID,
		AppHash:       s.cfg.AppHash,
		SessionBlob:   blob,
		DeviceModel:   s.cfg.DeviceModel,
		SystemVersion: s.cfg.SystemVersion,
		AppVersion:    s.cfg.AppVersion,
		LangCode:      s.cfg.LangCode,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
