package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/resortpay/internal/model"
)

// --- モック定義 ---

type mockAuthProvider struct {
	mu    sync.Mutex
	calls map[string]int

	signInFn  func(ctx context.Context, email, password string) (*model.Session, error)
	signUpFn  func(ctx context.Context, email, password, name string) (*model.User, *model.Session, error)
	signOutFn func(ctx context.Context, accessToken string) error
	getUserFn func(ctx context.Context, accessToken string) (*model.User, error)
	updateFn  func(ctx context.Context, accessToken string, attrs model.UserAttributes) (*model.User, error)
	resetFn   func(ctx context.Context, email, redirectTo string) error
	refreshFn func(ctx context.Context, refreshToken string) (*model.Session, error)
}

var _ AuthProvider = (*mockAuthProvider)(nil)

func (m *mockAuthProvider) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = map[string]int{}
	}
	m.calls[name]++
}

func (m *mockAuthProvider) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func (m *mockAuthProvider) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockAuthProvider) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	m.record("SignInWithPassword")
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil, errors.New("signInFn not set")
}

func (m *mockAuthProvider) SignUp(ctx context.Context, email, password, name string) (*model.User, *model.Session, error) {
	m.record("SignUp")
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password, name)
	}
	return nil, nil, errors.New("signUpFn not set")
}

func (m *mockAuthProvider) SignOut(ctx context.Context, accessToken string) error {
	m.record("SignOut")
	if m.signOutFn != nil {
		return m.signOutFn(ctx, accessToken)
	}
	return nil
}

func (m *mockAuthProvider) GetUser(ctx context.Context, accessToken string) (*model.User, error) {
	m.record("GetUser")
	if m.getUserFn != nil {
		return m.getUserFn(ctx, accessToken)
	}
	return nil, errors.New("getUserFn not set")
}

func (m *mockAuthProvider) UpdateUser(ctx context.Context, accessToken string, attrs model.UserAttributes) (*model.User, error) {
	m.record("UpdateUser")
	if m.updateFn != nil {
		return m.updateFn(ctx, accessToken, attrs)
	}
	return nil, errors.New("updateFn not set")
}

func (m *mockAuthProvider) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	m.record("ResetPasswordForEmail")
	if m.resetFn != nil {
		return m.resetFn(ctx, email, redirectTo)
	}
	return nil
}

func (m *mockAuthProvider) RefreshSession(ctx context.Context, refreshToken string) (*model.Session, error) {
	m.record("RefreshSession")
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return nil, errors.New("refreshFn not set")
}

// providerMessageError はプロバイダーの表示用メッセージを持つエラー。
type providerMessageError struct{ msg string }

func (e *providerMessageError) Error() string       { return "provider: " + e.msg }
func (e *providerMessageError) UserMessage() string { return e.msg }

// --- ヘルパー ---

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) listen(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Event
	}
	return out
}

func (r *recorder) transitionsInto(s State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.changes {
		if c.From != s && c.State == s {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestGateway(p *mockAuthProvider) (*Gateway, *recorder) {
	g := NewGateway(p, nil, Options{PasswordResetRedirectURL: "http://localhost:3000/reset-password"}, testLogger())
	rec := &recorder{}
	g.Subscribe(rec.listen)
	return g, rec
}

func testSession(token string) *model.Session {
	return &model.Session{
		AccessToken:  token,
		RefreshToken: "refresh-" + token,
		TokenType:    "bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         &model.User{ID: "user-1", Email: "abebe@example.com", Name: "Abebe"},
	}
}

func signedInGateway(t *testing.T, p *mockAuthProvider) (*Gateway, *recorder) {
	t.Helper()
	p.signInFn = func(ctx context.Context, email, password string) (*model.Session, error) {
		return testSession("access-1"), nil
	}
	g, rec := newTestGateway(p)
	if err := g.SignIn(context.Background(), "abebe@example.com", "secret123"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	return g, rec
}

func equalEvents(got, want []Event) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// --- SignIn ---

func TestSignIn_Success_ExactlyOneTransitionToAuthenticated(t *testing.T) {
	p := &mockAuthProvider{}
	g, rec := signedInGateway(t, p)

	if g.State() != StateAuthenticated {
		t.Errorf("State = %v, want authenticated", g.State())
	}
	if g.Session() == nil || g.Session().AccessToken != "access-1" {
		t.Errorf("Session = %+v", g.Session())
	}
	if g.User() == nil || g.User().ID != "user-1" {
		t.Errorf("User = %+v", g.User())
	}
	if n := rec.transitionsInto(StateAuthenticated); n != 1 {
		t.Errorf("transitions into authenticated = %d, want 1", n)
	}
	want := []Event{EventSignInStarted, EventSignedIn}
	if got := rec.events(); !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSignIn_EmptyFields_ValidationErrorWithoutNetwork(t *testing.T) {
	p := &mockAuthProvider{}
	g, rec := newTestGateway(p)

	for _, tc := range []struct{ email, password string }{
		{"", "secret123"},
		{"abebe@example.com", ""},
		{"   ", "secret123"},
	} {
		err := g.SignIn(context.Background(), tc.email, tc.password)
		if !model.HasCode(err, model.ErrCodeValidation) {
			t.Errorf("SignIn(%q, %q) = %v, want VALIDATION_ERROR", tc.email, tc.password, err)
		}
	}
	if p.total() != 0 {
		t.Errorf("provider calls = %d, want 0", p.total())
	}
	if len(rec.events()) != 0 {
		t.Errorf("no state change expected, got %v", rec.events())
	}
}

func TestSignIn_InvalidCredentials_ReturnsToUnauthenticated(t *testing.T) {
	p := &mockAuthProvider{
		signInFn: func(ctx context.Context, email, password string) (*model.Session, error) {
			return nil, model.NewInvalidCredentialsError(errors.New("invalid_grant"))
		},
	}
	g, rec := newTestGateway(p)

	err := g.SignIn(context.Background(), "abebe@example.com", "wrong-pass")
	if !model.HasCode(err, model.ErrCodeInvalidCredentials) {
		t.Fatalf("expected INVALID_CREDENTIALS, got %v", err)
	}
	if g.State() != StateUnauthenticated {
		t.Errorf("State = %v, want unauthenticated", g.State())
	}
	want := []Event{EventSignInStarted, EventSignInFailed}
	if got := rec.events(); !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSignIn_ProviderFailure_ProviderError(t *testing.T) {
	p := &mockAuthProvider{
		signInFn: func(ctx context.Context, email, password string) (*model.Session, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	g, _ := newTestGateway(p)

	err := g.SignIn(context.Background(), "abebe@example.com", "secret123")
	if !model.HasCode(err, model.ErrCodeProvider) {
		t.Fatalf("expected PROVIDER_ERROR, got %v", err)
	}
	if g.State() != StateUnauthenticated {
		t.Errorf("State = %v", g.State())
	}
}

func TestSignIn_NoSessionReturned_ProviderError(t *testing.T) {
	p := &mockAuthProvider{
		signInFn: func(ctx context.Context, email, password string) (*model.Session, error) {
			return nil, nil
		},
	}
	g, _ := newTestGateway(p)

	err := g.SignIn(context.Background(), "abebe@example.com", "secret123")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeProvider {
		t.Fatalf("expected PROVIDER_ERROR, got %v", err)
	}
	if apiErr.Message != "No session returned" {
		t.Errorf("Message = %q", apiErr.Message)
	}
	if g.State() != StateUnauthenticated {
		t.Errorf("State = %v", g.State())
	}
}

func TestSignIn_ConcurrentAttempts_OneFailsOneSucceeds(t *testing.T) {
	releaseFail := make(chan struct{})
	releaseOK := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(2)

	p := &mockAuthProvider{
		signInFn: func(ctx context.Context, email, password string) (*model.Session, error) {
			entered.Done()
			if password == "wrong-pass" {
				<-releaseFail
				return nil, model.NewInvalidCredentialsError(nil)
			}
			<-releaseOK
			return testSession("access-ok"), nil
		},
	}
	g, rec := newTestGateway(p)

	failDone := make(chan error, 1)
	okDone := make(chan error, 1)
	go func() { failDone <- g.SignIn(context.Background(), "abebe@example.com", "wrong-pass") }()
	go func() { okDone <- g.SignIn(context.Background(), "abebe@example.com", "secret123") }()

	entered.Wait()
	if g.State() != StateAuthenticating {
		t.Errorf("State while in flight = %v, want authenticating", g.State())
	}

	close(releaseFail)
	if err := <-failDone; !model.HasCode(err, model.ErrCodeInvalidCredentials) {
		t.Errorf("failing attempt: %v", err)
	}
	// もう1つの試行が進行中のためAuthenticatingを維持する
	if g.State() != StateAuthenticating {
		t.Errorf("State after one failure = %v, want authenticating", g.State())
	}

	close(releaseOK)
	if err := <-okDone; err != nil {
		t.Errorf("succeeding attempt: %v", err)
	}

	if g.State() != StateAuthenticated {
		t.Errorf("State = %v, want authenticated", g.State())
	}
	want := []Event{EventSignInStarted, EventSignedIn}
	if got := rec.events(); !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSignIn_ConcurrentAttempts_AllFail(t *testing.T) {
	release := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(2)

	p := &mockAuthProvider{
		signInFn: func(ctx context.Context, email, password string) (*model.Session, error) {
			entered.Done()
			<-release
			return nil, model.NewInvalidCredentialsError(nil)
		},
	}
	g, rec := newTestGateway(p)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.SignIn(context.Background(), "abebe@example.com", "wrong-pass")
		}()
	}
	entered.Wait()
	close(release)
	wg.Wait()

	if g.State() != StateUnauthenticated {
		t.Errorf("State = %v, want unauthenticated", g.State())
	}
	want := []Event{EventSignInStarted, EventSignInFailed}
	if got := rec.events(); !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSignIn_ConcurrentSuccesses_LastWriterWins(t *testing.T) {
	releaseFirst := make(chan struct{})
	releaseSecond := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(2)

	p := &mockAuthProvider{
		signInFn: func(ctx context.Context, email, password string) (*model.Session, error) {
			entered.Done()
			if password == "first-pass" {
				<-releaseFirst
				return testSession("access-first"), nil
			}
			<-releaseSecond
			return testSession("access-second"), nil
		},
	}
	g, rec := newTestGateway(p)

	firstDone := make(chan error, 1)
	secondDone := make(chan error, 1)
	go func() { firstDone <- g.SignIn(context.Background(), "abebe@example.com", "first-pass") }()
	go func() { secondDone <- g.SignIn(context.Background(), "abebe@example.com", "second-pass") }()
	entered.Wait()

	close(releaseFirst)
	<-firstDone
	close(releaseSecond)
	<-secondDone

	if got := g.Session().AccessToken; got != "access-second" {
		t.Errorf("AccessToken = %q, want the last response", got)
	}
	if n := rec.transitionsInto(StateAuthenticated); n != 1 {
		t.Errorf("transitions into authenticated = %d, want 1", n)
	}
}

// --- SignUp ---

func TestSignUp_ShortPassword_ValidationErrorWithoutNetwork(t *testing.T) {
	p := &mockAuthProvider{}
	g, _ := newTestGateway(p)

	err := g.SignUp(context.Background(), "abebe@example.com", "12345", "Abebe")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeValidation {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
	if apiErr.Message != "Password must be at least 6 characters" {
		t.Errorf("Message = %q", apiErr.Message)
	}
	if p.total() != 0 {
		t.Errorf("provider calls = %d, want 0", p.total())
	}
}

func TestSignUp_PasswordLengthCountsCharacters(t *testing.T) {
	p := &mockAuthProvider{
		signUpFn: func(ctx context.Context, email, password, name string) (*model.User, *model.Session, error) {
			return &model.User{ID: "user-1"}, nil, nil
		},
	}
	g, _ := newTestGateway(p)

	// 6文字（UTF-8では18バイト）
	if err := g.SignUp(context.Background(), "abebe@example.com", "ሰላምሰላም", "Abebe"); err != nil {
		t.Errorf("6-character password should be accepted: %v", err)
	}
}

func TestSignUp_MissingFields(t *testing.T) {
	p := &mockAuthProvider{}
	g, _ := newTestGateway(p)

	for _, tc := range []struct{ email, password, name string }{
		{"", "secret123", "Abebe"},
		{"abebe@example.com", "", "Abebe"},
		{"abebe@example.com", "secret123", " "},
	} {
		err := g.SignUp(context.Background(), tc.email, tc.password, tc.name)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Message != "All fields are required" {
			t.Errorf("SignUp(%q, %q, %q) = %v", tc.email, tc.password, tc.name, err)
		}
	}
	if p.total() != 0 {
		t.Errorf("provider calls = %d, want 0", p.total())
	}
}

func TestSignUp_DuplicateEmail_ProviderMessageVerbatim(t *testing.T) {
	p := &mockAuthProvider{
		signUpFn: func(ctx context.Context, email, password, name string) (*model.User, *model.Session, error) {
			return nil, nil, &providerMessageError{msg: "User already registered"}
		},
	}
	g, _ := newTestGateway(p)

	err := g.SignUp(context.Background(), "abebe@example.com", "secret123", "Abebe")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeProvider {
		t.Fatalf("expected PROVIDER_ERROR, got %v", err)
	}
	if apiErr.Message != "User already registered" {
		t.Errorf("Message = %q, want provider message", apiErr.Message)
	}
}

func TestSignUp_SendsDisplayName_NoSessionKeepsState(t *testing.T) {
	var gotName string
	p := &mockAuthProvider{
		signUpFn: func(ctx context.Context, email, password, name string) (*model.User, *model.Session, error) {
			gotName = name
			return &model.User{ID: "user-1", Name: name}, nil, nil
		},
	}
	g, rec := newTestGateway(p)

	if err := g.SignUp(context.Background(), "abebe@example.com", "secret123", "Abebe"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotName != "Abebe" {
		t.Errorf("name = %q", gotName)
	}
	if g.State() != StateUnauthenticated {
		t.Errorf("State = %v, want unauthenticated until email is confirmed", g.State())
	}
	if len(rec.events()) != 0 {
		t.Errorf("events = %v, want none", rec.events())
	}
}

func TestSignUp_WithSession_Authenticates(t *testing.T) {
	p := &mockAuthProvider{
		signUpFn: func(ctx context.Context, email, password, name string) (*model.User, *model.Session, error) {
			s := testSession("access-new")
			s.User = nil
			return &model.User{ID: "user-new"}, s, nil
		},
	}
	g, rec := newTestGateway(p)

	if err := g.SignUp(context.Background(), "abebe@example.com", "secret123", "Abebe"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.State() != StateAuthenticated {
		t.Errorf("State = %v", g.State())
	}
	if g.User() == nil || g.User().ID != "user-new" {
		t.Errorf("User = %+v", g.User())
	}
	if n := rec.transitionsInto(StateAuthenticated); n != 1 {
		t.Errorf("transitions into authenticated = %d, want 1", n)
	}
}

// --- SignOut ---

func TestSignOut_Success_ClearsState(t *testing.T) {
	var gotToken string
	p := &mockAuthProvider{
		signOutFn: func(ctx context.Context, accessToken string) error {
			gotToken = accessToken
			return nil
		},
	}
	g, rec := signedInGateway(t, p)

	if err := g.SignOut(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotToken != "access-1" {
		t.Errorf("revoked token = %q", gotToken)
	}
	if g.State() != StateUnauthenticated || g.Session() != nil || g.User() != nil {
		t.Errorf("state not cleared: %v %+v %+v", g.State(), g.Session(), g.User())
	}
	events := rec.events()
	if events[len(events)-1] != EventSignedOut {
		t.Errorf("last event = %v, want SIGNED_OUT", events[len(events)-1])
	}
}

func TestSignOut_ProviderFailure_LeavesStateUnchanged(t *testing.T) {
	p := &mockAuthProvider{
		signOutFn: func(ctx context.Context, accessToken string) error {
			return errors.New("network unreachable")
		},
	}
	g, rec := signedInGateway(t, p)
	before := len(rec.events())

	err := g.SignOut(context.Background())
	if !model.HasCode(err, model.ErrCodeProvider) {
		t.Fatalf("expected PROVIDER_ERROR, got %v", err)
	}
	if g.State() != StateAuthenticated || g.Session() == nil {
		t.Errorf("local state must be unchanged, got %v", g.State())
	}
	if len(rec.events()) != before {
		t.Errorf("no notification expected, got %v", rec.events()[before:])
	}
}

func TestSignOut_WithoutSession_NoOp(t *testing.T) {
	p := &mockAuthProvider{}
	g, rec := newTestGateway(p)

	if err := g.SignOut(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.total() != 0 || len(rec.events()) != 0 {
		t.Error("signing out without a session must not call the provider or notify")
	}
}

// --- ResetPassword ---

func TestResetPassword_EmptyEmail(t *testing.T) {
	p := &mockAuthProvider{}
	g, _ := newTestGateway(p)

	if err := g.ResetPassword(context.Background(), ""); !model.HasCode(err, model.ErrCodeValidation) {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
	if p.total() != 0 {
		t.Errorf("provider calls = %d, want 0", p.total())
	}
}

func TestResetPassword_SingleCallWithRedirect(t *testing.T) {
	var gotEmail, gotRedirect string
	p := &mockAuthProvider{
		resetFn: func(ctx context.Context, email, redirectTo string) error {
			gotEmail, gotRedirect = email, redirectTo
			return nil
		},
	}
	g, _ := newTestGateway(p)

	if err := g.ResetPassword(context.Background(), "abebe@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.count("ResetPasswordForEmail") != 1 {
		t.Errorf("calls = %d, want 1", p.count("ResetPasswordForEmail"))
	}
	if gotEmail != "abebe@example.com" || gotRedirect != "http://localhost:3000/reset-password" {
		t.Errorf("got %q %q", gotEmail, gotRedirect)
	}
}

func TestResetPassword_ProviderFailure(t *testing.T) {
	p := &mockAuthProvider{
		resetFn: func(ctx context.Context, email, redirectTo string) error {
			return &providerMessageError{msg: "For security purposes, you can only request this once every 60 seconds"}
		},
	}
	g, _ := newTestGateway(p)

	err := g.ResetPassword(context.Background(), "abebe@example.com")
	if !model.HasCode(err, model.ErrCodeProvider) {
		t.Fatalf("expected PROVIDER_ERROR, got %v", err)
	}
}

// --- UpdateUser ---

func TestUpdateUser_NotAuthenticated(t *testing.T) {
	p := &mockAuthProvider{}
	g, _ := newTestGateway(p)

	name := "Abebe K."
	_, err := g.UpdateUser(context.Background(), model.UserAttributes{Name: &name})
	if !model.HasCode(err, model.ErrCodeNotAuthenticated) {
		t.Fatalf("expected NOT_AUTHENTICATED, got %v", err)
	}
	if p.total() != 0 {
		t.Errorf("provider calls = %d, want 0", p.total())
	}
}

func TestUpdateUser_ExpiredSession_NotAuthenticated(t *testing.T) {
	p := &mockAuthProvider{}
	g, _ := signedInGateway(t, p)
	g.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	name := "Abebe K."
	_, err := g.UpdateUser(context.Background(), model.UserAttributes{Name: &name})
	if !model.HasCode(err, model.ErrCodeNotAuthenticated) {
		t.Fatalf("expected NOT_AUTHENTICATED, got %v", err)
	}
}

func TestUpdateUser_NoFields_ReturnsCachedUserWithoutNetwork(t *testing.T) {
	p := &mockAuthProvider{}
	g, _ := signedInGateway(t, p)
	callsBefore := p.total()

	user, err := g.UpdateUser(context.Background(), model.UserAttributes{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user == nil || user.ID != "user-1" {
		t.Errorf("user = %+v", user)
	}
	if p.total() != callsBefore {
		t.Error("no provider call expected")
	}
}

func TestUpdateUser_Success_RefreshesCachedUser(t *testing.T) {
	var gotAttrs model.UserAttributes
	p := &mockAuthProvider{
		updateFn: func(ctx context.Context, accessToken string, attrs model.UserAttributes) (*model.User, error) {
			gotAttrs = attrs
			return &model.User{ID: "user-1", Email: "abebe@example.com", Name: *attrs.Name}, nil
		},
	}
	g, rec := signedInGateway(t, p)

	name := "Abebe K."
	user, err := g.UpdateUser(context.Background(), model.UserAttributes{Name: &name})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAttrs.Email != nil {
		t.Error("email must stay nil when not provided")
	}
	if user.Name != "Abebe K." || g.User().Name != "Abebe K." {
		t.Errorf("cached user not refreshed: %+v", g.User())
	}
	events := rec.events()
	if events[len(events)-1] != EventUserUpdated {
		t.Errorf("last event = %v, want USER_UPDATED", events[len(events)-1])
	}
}

func TestUpdateUser_ProviderRejects(t *testing.T) {
	p := &mockAuthProvider{
		updateFn: func(ctx context.Context, accessToken string, attrs model.UserAttributes) (*model.User, error) {
			return nil, &providerMessageError{msg: "Unable to validate email address: invalid format"}
		},
	}
	g, _ := signedInGateway(t, p)

	email := "not-an-email"
	_, err := g.UpdateUser(context.Background(), model.UserAttributes{Email: &email})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeProvider {
		t.Fatalf("expected PROVIDER_ERROR, got %v", err)
	}
	if apiErr.Message != "Unable to validate email address: invalid format" {
		t.Errorf("Message = %q", apiErr.Message)
	}
	if g.User().Email != "abebe@example.com" {
		t.Error("cached user must be unchanged on failure")
	}
}

// --- Restore / Refresh ---

func TestRestore_FetchesUserWhenMissing(t *testing.T) {
	p := &mockAuthProvider{
		refreshFn: func(ctx context.Context, refreshToken string) (*model.Session, error) {
			s := testSession("access-restored")
			s.User = nil
			return s, nil
		},
		getUserFn: func(ctx context.Context, accessToken string) (*model.User, error) {
			if accessToken != "access-restored" {
				t.Errorf("GetUser token = %q", accessToken)
			}
			return &model.User{ID: "user-1"}, nil
		},
	}
	g, rec := newTestGateway(p)

	if err := g.Restore(context.Background(), "stored-refresh"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.State() != StateAuthenticated || g.User() == nil || g.User().ID != "user-1" {
		t.Errorf("state = %v user = %+v", g.State(), g.User())
	}
	want := []Event{EventSignInStarted, EventSignedIn}
	if got := rec.events(); !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestRestore_Failure_ReturnsToUnauthenticated(t *testing.T) {
	p := &mockAuthProvider{
		refreshFn: func(ctx context.Context, refreshToken string) (*model.Session, error) {
			return nil, &providerMessageError{msg: "Invalid Refresh Token"}
		},
	}
	g, _ := newTestGateway(p)

	if err := g.Restore(context.Background(), "stale"); !model.HasCode(err, model.ErrCodeProvider) {
		t.Fatalf("expected PROVIDER_ERROR, got %v", err)
	}
	if g.State() != StateUnauthenticated {
		t.Errorf("State = %v", g.State())
	}
}

func TestRefresh_Success_ReplacesSessionAndKeepsUser(t *testing.T) {
	p := &mockAuthProvider{
		refreshFn: func(ctx context.Context, refreshToken string) (*model.Session, error) {
			if refreshToken != "refresh-access-1" {
				t.Errorf("refresh token = %q", refreshToken)
			}
			s := testSession("access-2")
			s.User = nil
			return s, nil
		},
	}
	g, rec := signedInGateway(t, p)

	if err := g.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Session().AccessToken != "access-2" {
		t.Errorf("AccessToken = %q", g.Session().AccessToken)
	}
	if g.User() == nil || g.User().ID != "user-1" {
		t.Errorf("user should be kept, got %+v", g.User())
	}
	events := rec.events()
	if events[len(events)-1] != EventTokenRefreshed {
		t.Errorf("last event = %v, want TOKEN_REFRESHED", events[len(events)-1])
	}
}

func TestRefresh_Failure_ExpiresSession(t *testing.T) {
	p := &mockAuthProvider{
		refreshFn: func(ctx context.Context, refreshToken string) (*model.Session, error) {
			return nil, errors.New("refresh token revoked")
		},
	}
	g, rec := signedInGateway(t, p)

	if err := g.Refresh(context.Background()); !model.HasCode(err, model.ErrCodeProvider) {
		t.Fatalf("expected PROVIDER_ERROR, got %v", err)
	}
	if g.State() != StateUnauthenticated || g.Session() != nil {
		t.Errorf("session should be expired, state = %v", g.State())
	}
	events := rec.events()
	if events[len(events)-1] != EventSessionExpired {
		t.Errorf("last event = %v, want SESSION_EXPIRED", events[len(events)-1])
	}
}

func TestRefresh_CanceledContext_KeepsSession(t *testing.T) {
	p := &mockAuthProvider{
		refreshFn: func(ctx context.Context, refreshToken string) (*model.Session, error) {
			return nil, ctx.Err()
		},
	}
	g, rec := signedInGateway(t, p)
	before := g.Session()
	eventsBefore := len(rec.events())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := g.Refresh(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if g.State() != StateAuthenticated || g.Session() != before {
		t.Errorf("session should be kept, state = %v", g.State())
	}
	if got := rec.events(); len(got) != eventsBefore {
		t.Errorf("no event expected after a canceled refresh, got %v", got[eventsBefore:])
	}
}

func TestRefresh_DeadlineFromProvider_KeepsSession(t *testing.T) {
	p := &mockAuthProvider{
		refreshFn: func(ctx context.Context, refreshToken string) (*model.Session, error) {
			return nil, fmt.Errorf("POST /auth/v1/token: %w", context.DeadlineExceeded)
		},
	}
	g, _ := signedInGateway(t, p)

	if err := g.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if g.State() != StateAuthenticated {
		t.Errorf("State = %v, want authenticated", g.State())
	}
}

func TestRefresh_WithoutSession(t *testing.T) {
	p := &mockAuthProvider{}
	g, _ := newTestGateway(p)

	if err := g.Refresh(context.Background()); !model.HasCode(err, model.ErrCodeNotAuthenticated) {
		t.Fatalf("expected NOT_AUTHENTICATED, got %v", err)
	}
}
