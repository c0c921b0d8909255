package consent

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"consent-agent/internal/security"
)

// Step is a screen of the handshake flow.
type Step string

const (
	StepConnect    Step = "CONNECT"
	StepPassphrase Step = "PASSPHRASE"
	StepConfirm    Step = "CONFIRM"
	StepFinalizing Step = "FINALIZING"
	StepComplete   Step = "COMPLETE"
)

// MinPassphraseLength is the shortest accepted passphrase.
const MinPassphraseLength = 8

var (
	ErrNoConnectedPlatform = errors.New("at least one connected platform is required")
	ErrPassphraseTooShort  = errors.New("passphrase must be at least 8 characters")
	ErrWrongStep           = errors.New("operation not valid for current step")
	ErrGrantDenied         = errors.New("grant denied by requester policy")
	ErrAlreadyComplete     = errors.New("handshake already complete")
)

// Outcome is the scoped access credential produced by a completed handshake.
type Outcome struct {
	CredentialToken string
	ExpiresAt       time.Time
}

// Finalizer prepares credentials for the confirmed grant set and relays the
// authorized request. passphraseHash is the bcrypt digest of the accepted
// passphrase; the raw value is dropped at submit time. report is called with
// a monotonically increasing percentage; the machine clamps and orders the
// values.
type Finalizer interface {
	Finalize(ctx context.Context, passphraseHash string, grants []Grant, report func(int)) (*Outcome, error)
}

// Machine drives the handshake screens in strict sequence. Steps never
// advance in parallel; every mutation takes the machine lock.
type Machine struct {
	mu            sync.Mutex
	step          Step
	grants        *GrantSet
	policy        RequesterEvaluator
	hasher        *security.Hasher
	connected     func() []string
	finalizer     Finalizer
	passphrase    string
	progress      int
	lastError     string
	completed     bool
	finalizeBound time.Duration
	onProgress    func(int)
	onComplete    func(*Outcome, []Grant)
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithPolicy gates every grant through the requester evaluator.
func WithPolicy(p RequesterEvaluator) MachineOption {
	return func(m *Machine) { m.policy = p }
}

// WithProgressCallback reports FINALIZING progress to the UI layer.
func WithProgressCallback(fn func(int)) MachineOption {
	return func(m *Machine) { m.onProgress = fn }
}

// WithCompletionCallback fires exactly once when the handshake completes.
func WithCompletionCallback(fn func(*Outcome, []Grant)) MachineOption {
	return func(m *Machine) { m.onComplete = fn }
}

// WithFinalizeTimeout bounds the FINALIZING step so a crypto or network hang
// cannot wedge the flow indefinitely.
func WithFinalizeTimeout(d time.Duration) MachineOption {
	return func(m *Machine) { m.finalizeBound = d }
}

// NewMachine returns a handshake machine at the CONNECT step. connected
// reports the currently connected platforms; finalizer runs the terminal step.
func NewMachine(connected func() []string, finalizer Finalizer, opts ...MachineOption) *Machine {
	m := &Machine{
		step:          StepConnect,
		grants:        NewGrantSet(),
		hasher:        security.NewHasher(0),
		connected:     connected,
		finalizer:     finalizer,
		finalizeBound: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Step returns the current screen.
func (m *Machine) Step() Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step
}

// Progress returns the FINALIZING percentage reached so far.
func (m *Machine) Progress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// LastError returns the most recent surfaced error message.
func (m *Machine) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// Granted returns the running grant count, always the set's cardinality.
func (m *Machine) Granted() int { return m.grants.Count() }

// Grants returns the selected grants in stable order.
func (m *Machine) Grants() []Grant { return m.grants.List() }

// Grant adds a scope to the handshake. Re-granting an existing pair is a
// no-op. Grants are frozen once FINALIZING starts: the step is re-checked
// under the machine lock after the policy call, so a grant racing Confirm
// cannot land after the scopes were submitted.
func (m *Machine) Grant(ctx context.Context, requester, dataCategory, reward string) error {
	m.mu.Lock()
	if m.step == StepFinalizing || m.step == StepComplete {
		m.mu.Unlock()
		return ErrWrongStep
	}
	m.mu.Unlock()

	if m.policy != nil {
		decision, err := m.policy.CheckGrant(ctx, Grant{
			Requester:    requester,
			DataCategory: dataCategory,
			Reward:       reward,
		}, m.grants.List())
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return ErrGrantDenied
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.step == StepFinalizing || m.step == StepComplete {
		return ErrWrongStep
	}
	m.grants.Grant(requester, dataCategory, reward)
	return nil
}

// Revoke removes a scope. Revoking an absent pair is a no-op; the count never
// goes negative.
func (m *Machine) Revoke(requester, dataCategory string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.step == StepFinalizing || m.step == StepComplete {
		return ErrWrongStep
	}
	m.grants.Revoke(requester, dataCategory)
	return nil
}

// AdvanceFromConnect moves CONNECT to PASSPHRASE, requiring at least one
// connected platform.
func (m *Machine) AdvanceFromConnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.step != StepConnect {
		return ErrWrongStep
	}
	if len(m.connected()) == 0 {
		m.lastError = ErrNoConnectedPlatform.Error()
		return ErrNoConnectedPlatform
	}
	m.step = StepPassphrase
	m.lastError = ""
	return nil
}

// SubmitPassphrase validates the passphrase and stores only its bcrypt hash,
// moving PASSPHRASE to CONFIRM. A short passphrase keeps the step unchanged
// and surfaces the error inline; input is never truncated or silently
// accepted.
func (m *Machine) SubmitPassphrase(passphrase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.step != StepPassphrase {
		return ErrWrongStep
	}
	if len(passphrase) < MinPassphraseLength {
		m.lastError = ErrPassphraseTooShort.Error()
		return ErrPassphraseTooShort
	}
	hash, err := m.hasher.Hash([]byte(passphrase))
	if err != nil {
		m.lastError = err.Error()
		return err
	}
	m.passphrase = hash
	m.step = StepConfirm
	m.lastError = ""
	return nil
}

// Confirm runs the terminal step: CONFIRM moves to FINALIZING, the finalizer
// prepares credentials and relays the authorized request, and on success the
// machine completes with progress at 100. Any finalizer failure aborts back
// to CONFIRM; the flow never completes with a missing credential.
func (m *Machine) Confirm(ctx context.Context) error {
	m.mu.Lock()
	if m.step == StepComplete {
		m.mu.Unlock()
		return ErrAlreadyComplete
	}
	if m.step != StepConfirm {
		m.mu.Unlock()
		return ErrWrongStep
	}
	m.step = StepFinalizing
	m.progress = 0
	m.lastError = ""
	passphraseHash := m.passphrase
	m.mu.Unlock()

	boundCtx, cancel := context.WithTimeout(ctx, m.finalizeBound)
	defer cancel()

	outcome, err := m.finalizer.Finalize(boundCtx, passphraseHash, m.grants.List(), m.reportProgress)
	if err != nil || outcome == nil {
		if err == nil {
			err = errors.New("finalizer returned no credential")
		}
		log.Printf("consent: finalize: %v", err)
		m.mu.Lock()
		m.step = StepConfirm
		m.lastError = err.Error()
		m.mu.Unlock()
		return err
	}

	m.reportProgress(100)
	m.complete(outcome)
	return nil
}

// Cancel returns the flow to CONNECT from any pre-terminal step. Grants and
// platform connections survive; the passphrase does not. A cancel during
// FINALIZING is refused deliberately: the authorization attempt is already in
// flight and bounded by the finalize timeout, so it resolves to COMPLETE or
// aborts back to CONFIRM, where cancel works again.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.step {
	case StepFinalizing:
		return ErrWrongStep
	case StepComplete:
		return ErrAlreadyComplete
	}
	m.step = StepConnect
	m.passphrase = ""
	m.progress = 0
	m.lastError = ""
	return nil
}

// reportProgress enforces monotonicity: a report at or below the current
// percentage is dropped, and nothing moves after completion.
func (m *Machine) reportProgress(pct int) {
	m.mu.Lock()
	if m.completed || pct <= m.progress {
		m.mu.Unlock()
		return
	}
	if pct > 100 {
		pct = 100
	}
	m.progress = pct
	fn := m.onProgress
	m.mu.Unlock()
	if fn != nil {
		fn(pct)
	}
}

// complete fires the completion callback exactly once.
func (m *Machine) complete(outcome *Outcome) {
	m.mu.Lock()
	if m.completed {
		m.mu.Unlock()
		log.Printf("consent: duplicate completion suppressed")
		return
	}
	m.completed = true
	m.step = StepComplete
	fn := m.onComplete
	m.mu.Unlock()
	if fn != nil {
		fn(outcome, m.grants.List())
	}
}
