package consent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeFinalizer struct {
	mu         sync.Mutex
	calls      int
	reports    []int
	lastGrants []Grant
	outcome    *Outcome
	err        error
}

func (f *fakeFinalizer) Finalize(ctx context.Context, passphraseHash string, grants []Grant, report func(int)) (*Outcome, error) {
	f.mu.Lock()
	f.calls++
	f.lastGrants = append([]Grant(nil), grants...)
	reports := f.reports
	f.mu.Unlock()
	for _, pct := range reports {
		report(pct)
	}
	return f.outcome, f.err
}

func connectedPlatforms(platforms ...string) func() []string {
	return func() []string { return platforms }
}

func TestAdvanceFromConnectRequiresPlatform(t *testing.T) {
	m := NewMachine(connectedPlatforms(), &fakeFinalizer{})
	if err := m.AdvanceFromConnect(); !errors.Is(err, ErrNoConnectedPlatform) {
		t.Fatalf("err = %v", err)
	}
	if m.Step() != StepConnect {
		t.Fatalf("step = %s", m.Step())
	}
}

func TestSubmitPassphraseTooShort(t *testing.T) {
	m := NewMachine(connectedPlatforms("youtube"), &fakeFinalizer{})
	if err := m.AdvanceFromConnect(); err != nil {
		t.Fatalf("AdvanceFromConnect: %v", err)
	}
	if err := m.SubmitPassphrase("short"); !errors.Is(err, ErrPassphraseTooShort) {
		t.Fatalf("err = %v", err)
	}
	if m.Step() != StepPassphrase {
		t.Fatalf("step = %s after rejected passphrase", m.Step())
	}
	if m.LastError() == "" {
		t.Fatal("no inline error surfaced")
	}
}

func TestSubmitPassphraseOutOfOrder(t *testing.T) {
	m := NewMachine(connectedPlatforms("youtube"), &fakeFinalizer{})
	if err := m.SubmitPassphrase("longenough"); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("err = %v", err)
	}
}

func TestHandshakeEndToEnd(t *testing.T) {
	fin := &fakeFinalizer{
		reports: []int{15, 35, 55, 70, 90},
		outcome: &Outcome{CredentialToken: "https://api2.onairos.uk/scoped", ExpiresAt: time.Now().Add(time.Hour)},
	}
	var mu sync.Mutex
	var progress []int
	completions := 0
	var completedGrants []Grant
	m := NewMachine(connectedPlatforms("youtube", "reddit"), fin,
		WithProgressCallback(func(pct int) {
			mu.Lock()
			progress = append(progress, pct)
			mu.Unlock()
		}),
		WithCompletionCallback(func(out *Outcome, grants []Grant) {
			mu.Lock()
			completions++
			completedGrants = grants
			mu.Unlock()
		}),
	)

	ctx := context.Background()
	if err := m.Grant(ctx, "acme", "health", "5"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := m.Grant(ctx, "acme", "location", "5"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := m.AdvanceFromConnect(); err != nil {
		t.Fatalf("AdvanceFromConnect: %v", err)
	}
	if err := m.SubmitPassphrase("12345678"); err != nil {
		t.Fatalf("SubmitPassphrase: %v", err)
	}
	if m.Step() != StepConfirm {
		t.Fatalf("step = %s", m.Step())
	}
	if err := m.Confirm(ctx); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	if m.Step() != StepComplete {
		t.Fatalf("step = %s", m.Step())
	}
	if m.Progress() != 100 {
		t.Fatalf("progress = %d", m.Progress())
	}
	mu.Lock()
	defer mu.Unlock()
	if completions != 1 {
		t.Fatalf("completion fired %d times", completions)
	}
	if len(completedGrants) != 2 {
		t.Fatalf("completed with %d grants", len(completedGrants))
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] <= progress[i-1] {
			t.Fatalf("progress not monotone: %v", progress)
		}
	}
	if progress[len(progress)-1] != 100 {
		t.Fatalf("progress never reached 100: %v", progress)
	}
}

func TestConfirmTwiceIsRejected(t *testing.T) {
	fin := &fakeFinalizer{outcome: &Outcome{CredentialToken: "tok"}}
	m := NewMachine(connectedPlatforms("youtube"), fin)
	mustReachConfirm(t, m)
	if err := m.Confirm(context.Background()); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := m.Confirm(context.Background()); !errors.Is(err, ErrAlreadyComplete) {
		t.Fatalf("second Confirm: %v", err)
	}
	if fin.calls != 1 {
		t.Fatalf("finalizer ran %d times", fin.calls)
	}
}

func TestFinalizeFailureAbortsToConfirm(t *testing.T) {
	fin := &fakeFinalizer{err: errors.New("encrypt pin: bad key")}
	completions := 0
	m := NewMachine(connectedPlatforms("youtube"), fin,
		WithCompletionCallback(func(*Outcome, []Grant) { completions++ }),
	)
	mustReachConfirm(t, m)
	if err := m.Confirm(context.Background()); err == nil {
		t.Fatal("expected finalize error")
	}
	if m.Step() != StepConfirm {
		t.Fatalf("step = %s after failed finalize", m.Step())
	}
	if m.LastError() == "" {
		t.Fatal("no error surfaced")
	}
	if completions != 0 {
		t.Fatal("completion fired despite failure")
	}
}

func TestFinalizeNilOutcomeIsFailure(t *testing.T) {
	m := NewMachine(connectedPlatforms("youtube"), &fakeFinalizer{})
	mustReachConfirm(t, m)
	if err := m.Confirm(context.Background()); err == nil {
		t.Fatal("nil outcome accepted as success")
	}
	if m.Step() != StepConfirm {
		t.Fatalf("step = %s", m.Step())
	}
}

func TestProgressIgnoresRegressions(t *testing.T) {
	fin := &fakeFinalizer{
		reports: []int{40, 20, 40, 90},
		outcome: &Outcome{CredentialToken: "tok"},
	}
	var progress []int
	m := NewMachine(connectedPlatforms("youtube"), fin,
		WithProgressCallback(func(pct int) { progress = append(progress, pct) }),
	)
	mustReachConfirm(t, m)
	if err := m.Confirm(context.Background()); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	want := []int{40, 90, 100}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v", progress)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress = %v, want %v", progress, want)
		}
	}
}

func TestGrantFrozenAfterCompletion(t *testing.T) {
	m := NewMachine(connectedPlatforms("youtube"), &fakeFinalizer{outcome: &Outcome{CredentialToken: "tok"}})
	mustReachConfirm(t, m)
	if err := m.Confirm(context.Background()); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := m.Grant(context.Background(), "late", "health", ""); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("err = %v", err)
	}
	if err := m.Revoke("acme", "health"); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("err = %v", err)
	}
}

func TestCancelReturnsToConnect(t *testing.T) {
	m := NewMachine(connectedPlatforms("youtube"), &fakeFinalizer{})
	m.Grant(context.Background(), "acme", "health", "")
	mustReachConfirm(t, m)
	if err := m.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if m.Step() != StepConnect {
		t.Fatalf("step = %s", m.Step())
	}
	if m.Granted() != 1 {
		t.Fatalf("grants dropped on cancel: %d", m.Granted())
	}
}

type denyPolicy struct{}

func (denyPolicy) CheckGrant(ctx context.Context, grant Grant, granted []Grant) (Decision, error) {
	return Decision{Allowed: false}, nil
}

func TestGrantDeniedByPolicy(t *testing.T) {
	m := NewMachine(connectedPlatforms("youtube"), &fakeFinalizer{}, WithPolicy(denyPolicy{}))
	if err := m.Grant(context.Background(), "acme", "health", ""); !errors.Is(err, ErrGrantDenied) {
		t.Fatalf("err = %v", err)
	}
	if m.Granted() != 0 {
		t.Fatalf("granted = %d", m.Granted())
	}
}

func mustReachConfirm(t *testing.T, m *Machine) {
	t.Helper()
	if m.Granted() == 0 {
		if err := m.Grant(context.Background(), "acme", "health", ""); err != nil {
			t.Fatalf("Grant: %v", err)
		}
	}
	if err := m.AdvanceFromConnect(); err != nil {
		t.Fatalf("AdvanceFromConnect: %v", err)
	}
	if err := m.SubmitPassphrase("12345678"); err != nil {
		t.Fatalf("SubmitPassphrase: %v", err)
	}
}

// gatedPolicy stalls inside CheckGrant when its channels are set, so a grant
// can be caught mid-evaluation while Confirm advances the step.
type gatedPolicy struct {
	entered chan struct{}
	release chan struct{}
}

func (p *gatedPolicy) CheckGrant(ctx context.Context, grant Grant, granted []Grant) (Decision, error) {
	if p.entered != nil {
		p.entered <- struct{}{}
		<-p.release
	}
	return Decision{Allowed: true}, nil
}

func TestGrantRacingConfirmIsFrozen(t *testing.T) {
	fin := &fakeFinalizer{outcome: &Outcome{CredentialToken: "tok"}}
	policy := &gatedPolicy{}
	m := NewMachine(connectedPlatforms("youtube"), fin, WithPolicy(policy))
	mustReachConfirm(t, m)

	policy.entered = make(chan struct{})
	policy.release = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- m.Grant(context.Background(), "late", "watch-history", "") }()
	<-policy.entered

	if err := m.Confirm(context.Background()); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	close(policy.release)

	if err := <-done; !errors.Is(err, ErrWrongStep) {
		t.Fatalf("racing grant err = %v, want ErrWrongStep", err)
	}
	fin.mu.Lock()
	submitted := len(fin.lastGrants)
	fin.mu.Unlock()
	if submitted != 1 {
		t.Fatalf("submitted scopes = %d, want 1", submitted)
	}
	if m.Granted() != submitted {
		t.Fatalf("grant set = %d, submitted scopes = %d; completion set must match", m.Granted(), submitted)
	}
}

// blockingFinalizer parks inside Finalize until released.
type blockingFinalizer struct {
	started chan struct{}
	release chan struct{}
}

func (f *blockingFinalizer) Finalize(ctx context.Context, passphraseHash string, grants []Grant, report func(int)) (*Outcome, error) {
	close(f.started)
	<-f.release
	return &Outcome{CredentialToken: "tok"}, nil
}

func TestCancelDuringFinalizingIsRefused(t *testing.T) {
	fin := &blockingFinalizer{started: make(chan struct{}), release: make(chan struct{})}
	m := NewMachine(connectedPlatforms("youtube"), fin)
	mustReachConfirm(t, m)

	done := make(chan error, 1)
	go func() { done <- m.Confirm(context.Background()) }()
	<-fin.started

	if err := m.Cancel(); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("Cancel during finalize: err = %v, want ErrWrongStep", err)
	}
	close(fin.release)
	if err := <-done; err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if m.Step() != StepComplete {
		t.Fatalf("step = %s", m.Step())
	}
}
