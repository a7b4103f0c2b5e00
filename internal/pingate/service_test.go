package pingate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSetupThenVerifyRoundTrip(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	f.setup(t)

	outcome, err := f.service.VerifyPin(ctx, testSubject, testPin)
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, outcome.Status)
	assert.True(t, outcome.Verified())
	assert.Equal(t, 3, outcome.AttemptsRemaining)

	rec := f.active(t)
	assert.Equal(t, 0, rec.FailedAttempts)
	assert.True(t, testEpoch.Equal(*rec.LastSuccessfulVerificationAt))
	assert.NotContains(t, string(rec.PinHash), testPin)
	assert.NotEqual(t, rec.PinSalt, rec.AnswerSalt)
	assert.Equal(t, []string{ActionPinSetup, ActionPinVerifySucceeded}, f.actions(t))
}

func TestSetupRejectsInvalidInput(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.service.SetupPin(ctx, testSubject, "1234", testQuestion, testAnswer), ErrFormatInvalid)
	assert.ErrorIs(t, f.service.SetupPin(ctx, testSubject, testPin, "Pet?", testAnswer), ErrFormatInvalid)
	assert.ErrorIs(t, f.service.SetupPin(ctx, testSubject, testPin, testQuestion, " a "), ErrFormatInvalid)
	assert.ErrorIs(t, f.service.SetupPin(ctx, " ", testPin, testQuestion, testAnswer), ErrFormatInvalid)

	_, err := f.repo.GetActive(ctx, testSubject)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestVerifyWithoutSetup(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	_, err := f.service.VerifyPin(ctx, testSubject, testPin)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.True(t, NeedsSetup(err))

	locked, err := f.service.IsLocked(ctx, testSubject)
	require.NoError(t, err)
	assert.False(t, locked)

	remaining, err := f.service.RemainingLockoutSeconds(ctx, testSubject)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	question, ok, err := f.service.GetSecurityQuestion(ctx, testSubject)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, question)
}

func TestVerifyRejectsMalformedPinWithoutCounting(t *testing.T) {
	f := newGateFixture(t)
	f.setup(t)

	_, err := f.service.VerifyPin(context.Background(), testSubject, "12")
	assert.ErrorIs(t, err, ErrFormatInvalid)
	assert.Equal(t, 0, f.active(t).FailedAttempts)
}

func TestLockoutTrigger(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	f.setup(t)

	first, err := f.service.VerifyPin(ctx, testSubject, "2580")
	require.NoError(t, err)
	assert.Equal(t, Outcome{Status: StatusInvalid, AttemptNumber: 1, AttemptsRemaining: 2}, first)

	second, err := f.service.VerifyPin(ctx, testSubject, "2580")
	require.NoError(t, err)
	assert.Equal(t, Outcome{Status: StatusInvalid, AttemptNumber: 2, AttemptsRemaining: 1}, second)

	third, err := f.service.VerifyPin(ctx, testSubject, "2580")
	require.NoError(t, err)
	assert.Equal(t, StatusLockedOut, third.Status)
	assert.Equal(t, 300, third.RemainingSeconds)

	rec := f.active(t)
	assert.Equal(t, 3, rec.FailedAttempts)
	require.NotNil(t, rec.LockedUntil)
	assert.True(t, testEpoch.Add(5*time.Minute).Equal(*rec.LockedUntil))

	comparisons := f.hasher.verifies.Load()
	f.clock.Advance(10 * time.Second)

	fourth, err := f.service.VerifyPin(ctx, testSubject, "2580")
	require.NoError(t, err)
	assert.Equal(t, StatusLockedOut, fourth.Status)
	assert.Equal(t, 290, fourth.RemainingSeconds)
	assert.Equal(t, comparisons, f.hasher.verifies.Load(), "locked verify must not hash")

	after := f.active(t)
	assert.Equal(t, rec.Version, after.Version, "locked verify must not write")
	assert.Equal(t, int64(3), after.TotalFailedAttempts)

	assert.Equal(t, []string{
		ActionPinSetup,
		ActionPinVerifyFailed,
		ActionPinVerifyFailed,
		ActionPinVerifyFailed,
		ActionPinLockedOut,
	}, f.actions(t))

	locked, err := f.service.IsLocked(ctx, testSubject)
	require.NoError(t, err)
	assert.True(t, locked)
	remaining, err := f.service.RemainingLockoutSeconds(ctx, testSubject)
	require.NoError(t, err)
	assert.Equal(t, 290, remaining)
}

func TestLockedGateRefusesCorrectPin(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	f.setup(t)

	for i := 0; i < 3; i++ {
		_, err := f.service.VerifyPin(ctx, testSubject, "2580")
		require.NoError(t, err)
	}

	outcome, err := f.service.VerifyPin(ctx, testSubject, testPin)
	require.NoError(t, err)
	assert.Equal(t, StatusLockedOut, outcome.Status)
	assert.Equal(t, 300, outcome.RemainingSeconds)
}

func TestLockoutExpiryRecovery(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	f.setup(t)

	for i := 0; i < 3; i++ {
		_, err := f.service.VerifyPin(ctx, testSubject, "2580")
		require.NoError(t, err)
	}

	f.clock.Advance(5*time.Minute + time.Second)

	locked, err := f.service.IsLocked(ctx, testSubject)
	require.NoError(t, err)
	assert.False(t, locked)
	assert.NotNil(t, f.active(t).LockedUntil, "getters must not persist expiry")

	outcome, err := f.service.VerifyPin(ctx, testSubject, "2580")
	require.NoError(t, err)
	assert.Equal(t, Outcome{Status: StatusInvalid, AttemptNumber: 1, AttemptsRemaining: 2}, outcome)

	rec := f.active(t)
	assert.Nil(t, rec.LockedUntil)
	assert.Equal(t, 1, rec.FailedAttempts)
	assert.Equal(t, int64(4), rec.TotalFailedAttempts)

	outcome, err = f.service.VerifyPin(ctx, testSubject, testPin)
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, outcome.Status)
	assert.Contains(t, f.actions(t), ActionLockoutCleared)
}

func TestChangePin(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	f.setup(t)
	f.clock.Advance(time.Hour)

	outcome, err := f.service.ChangePin(ctx, testSubject, testPin, "2580")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, outcome.Status)

	rec := f.active(t)
	assert.Equal(t, 0, rec.FailedAttempts)
	assert.True(t, testEpoch.Add(time.Hour).Equal(*rec.LastChangedAt))

	outcome, err = f.service.VerifyPin(ctx, testSubject, "2580")
	require.NoError(t, err)
	assert.True(t, outcome.Verified())

	outcome, err = f.service.VerifyPin(ctx, testSubject, testPin)
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, outcome.Status)

	assert.Contains(t, f.actions(t), ActionPinChanged)
}

func TestChangePinRejections(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	f.setup(t)

	_, err := f.service.ChangePin(ctx, testSubject, testPin, testPin)
	assert.ErrorIs(t, err, ErrFormatInvalid)

	_, err = f.service.ChangePin(ctx, testSubject, testPin, "1111")
	assert.ErrorIs(t, err, ErrFormatInvalid)
	assert.Equal(t, 0, f.active(t).FailedAttempts)

	before := f.active(t)
	outcome, err := f.service.ChangePin(ctx, testSubject, "2580", "1357")
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, outcome.Status)

	after := f.active(t)
	assert.Equal(t, 1, after.FailedAttempts, "wrong current PIN is counted")
	assert.Equal(t, before.PinHash, after.PinHash)
}

func TestResetGate(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	f.setup(t)
	before := f.active(t)

	outcome, err := f.service.ResetPin(ctx, testSubject, "Max", "2580")
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, outcome.Status)

	unchanged := f.active(t)
	assert.Equal(t, before.PinHash, unchanged.PinHash)
	assert.Equal(t, before.Version, unchanged.Version)
	assert.Equal(t, 0, unchanged.FailedAttempts, "reset guesses are not counted")

	outcome, err = f.service.ResetPin(ctx, testSubject, "  rEX ", "2580")
	require.NoError(t, err)
	assert.True(t, outcome.Verified())
	assert.NotEqual(t, before.PinHash, f.active(t).PinHash)

	verified, err := f.service.VerifyPin(ctx, testSubject, "2580")
	require.NoError(t, err)
	assert.True(t, verified.Verified())

	old, err := f.service.VerifyPin(ctx, testSubject, testPin)
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, old.Status)

	assert.Equal(t, []string{
		ActionPinSetup,
		ActionPinResetFailed,
		ActionPinReset,
		ActionPinVerifySucceeded,
		ActionPinVerifyFailed,
	}, f.actions(t))
}

func TestResetClearsLockout(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	f.setup(t)

	for i := 0; i < 3; i++ {
		_, err := f.service.VerifyPin(ctx, testSubject, "2580")
		require.NoError(t, err)
	}

	outcome, err := f.service.ResetPin(ctx, testSubject, testAnswer, "1357")
	require.NoError(t, err)
	assert.True(t, outcome.Verified())

	rec := f.active(t)
	assert.Nil(t, rec.LockedUntil)
	assert.Equal(t, 0, rec.FailedAttempts)

	verified, err := f.service.VerifyPin(ctx, testSubject, "1357")
	require.NoError(t, err)
	assert.True(t, verified.Verified())
}

func TestResetRejectsCurrentPin(t *testing.T) {
	f := newGateFixture(t)
	f.setup(t)

	_, err := f.service.ResetPin(context.Background(), testSubject, testAnswer, testPin)
	assert.ErrorIs(t, err, ErrFormatInvalid)
}

func TestSingleActiveRecord(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	f.setup(t)
	f.clock.Advance(time.Minute)
	require.NoError(t, f.service.SetupPin(ctx, testSubject, "2580", "Favourite uncle's name?", "Smith"))

	history, err := f.repo.ListHistory(ctx, testSubject)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].IsActive)
	assert.True(t, history[1].IsActive)

	question, ok, err := f.service.GetSecurityQuestion(ctx, testSubject)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Favourite uncle's name?", question)

	outcome, err := f.service.VerifyPin(ctx, testSubject, "2580")
	require.NoError(t, err)
	assert.True(t, outcome.Verified())
}

func TestConcurrentFailuresLockExactlyOnce(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	f.setup(t)

	const n = 12
	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := f.service.VerifyPin(ctx, testSubject, "2580")
			assert.NoError(t, err)
			outcomes[i] = outcome
		}(i)
	}
	wg.Wait()

	invalid, locked := 0, 0
	for _, outcome := range outcomes {
		switch outcome.Status {
		case StatusInvalid:
			invalid++
		case StatusLockedOut:
			locked++
		}
	}
	assert.Equal(t, 2, invalid)
	assert.Equal(t, n-2, locked)

	rec := f.active(t)
	assert.Equal(t, 3, rec.FailedAttempts)
	assert.Equal(t, int64(3), rec.TotalFailedAttempts)
	assert.NotNil(t, rec.LockedUntil)
}

func TestConcurrentFailuresAcrossServices(t *testing.T) {
	repo := NewRepository(openTestDB(t))
	clock := newFakeClock()
	first := newGateFixtureWithRepo(t, repo, clock)
	second := newGateFixtureWithRepo(t, repo, clock)
	first.setup(t)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		svc := first.service
		if i%2 == 1 {
			svc = second.service
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.VerifyPin(ctx, testSubject, "2580")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec := first.active(t)
	assert.Equal(t, 3, rec.FailedAttempts)
	assert.Equal(t, int64(3), rec.TotalFailedAttempts)
	assert.NotNil(t, rec.LockedUntil)
}

func TestStatus(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	status, err := f.service.Status(ctx, testSubject)
	require.NoError(t, err)
	assert.False(t, status.Configured)
	assert.True(t, status.NeedsSetup)

	f.setup(t)
	_, err = f.service.VerifyPin(ctx, testSubject, "2580")
	require.NoError(t, err)

	status, err = f.service.Status(ctx, testSubject)
	require.NoError(t, err)
	assert.True(t, status.Configured)
	assert.False(t, status.Locked)
	assert.Equal(t, 2, status.AttemptsRemaining)
	assert.Equal(t, testQuestion, status.SecurityQuestion)
}

func TestVerifyReportsCorruption(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	f.setup(t)

	rec := f.active(t)
	rec.PinAlgorithm = "rot13"
	_, err := f.repo.Update(ctx, rec)
	require.NoError(t, err)

	_, err = f.service.VerifyPin(ctx, testSubject, testPin)
	assert.ErrorIs(t, err, ErrStorageCorruption)
	assert.True(t, NeedsSetup(err))
	assert.Equal(t, 0, f.active(t).FailedAttempts)

	require.NoError(t, f.service.SetupPin(ctx, testSubject, "2580", testQuestion, testAnswer))
	outcome, err := f.service.VerifyPin(ctx, testSubject, "2580")
	require.NoError(t, err)
	assert.True(t, outcome.Verified())
}

func TestSetupInitialPinRefusesWorkingCredential(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.SetupInitialPin(ctx, testSubject, testPin, testQuestion, testAnswer))

	err := f.service.SetupInitialPin(ctx, testSubject, "2580", testQuestion, "Max")
	assert.ErrorIs(t, err, ErrAlreadyConfigured)

	history, err := f.repo.ListHistory(ctx, testSubject)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	outcome, err := f.service.VerifyPin(ctx, testSubject, testPin)
	require.NoError(t, err)
	assert.True(t, outcome.Verified())
}

func TestSetupInitialPinReplacesUnreadableCredential(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	f.setup(t)

	status, err := f.service.Status(ctx, testSubject)
	require.NoError(t, err)
	assert.False(t, status.NeedsSetup)

	rec := f.active(t)
	rec.PinAlgorithm = "garbage"
	rec.AnswerAlgorithm = "garbage"
	_, err = f.repo.Update(ctx, rec)
	require.NoError(t, err)

	status, err = f.service.Status(ctx, testSubject)
	require.NoError(t, err)
	assert.True(t, status.Configured)
	assert.True(t, status.NeedsSetup)

	_, err = f.service.ResetPin(ctx, testSubject, testAnswer, "2580")
	assert.True(t, NeedsSetup(err))

	require.NoError(t, f.service.SetupInitialPin(ctx, testSubject, "2580", testQuestion, "Max"))

	outcome, err := f.service.VerifyPin(ctx, testSubject, "2580")
	require.NoError(t, err)
	assert.True(t, outcome.Verified())
	assert.Contains(t, f.actions(t), ActionPinSetup)
}

func TestConcurrentInitialSetupsConfigureOnce(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	pins := []string{"4815", "2580", "1379", "8642", "5173", "3916"}
	errs := make([]error, len(pins))

	var wg sync.WaitGroup
	for i, pin := range pins {
		wg.Add(1)
		go func(i int, pin string) {
			defer wg.Done()
			errs[i] = f.service.SetupInitialPin(ctx, testSubject, pin, testQuestion, testAnswer)
		}(i, pin)
	}
	wg.Wait()

	winner := ""
	for i, err := range errs {
		if err == nil {
			assert.Empty(t, winner, "only one initial setup may succeed")
			winner = pins[i]
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyConfigured)
	}
	require.NotEmpty(t, winner)

	history, err := f.repo.ListHistory(ctx, testSubject)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	outcome, err := f.service.VerifyPin(ctx, testSubject, winner)
	require.NoError(t, err)
	assert.True(t, outcome.Verified())
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetActive(ctx context.Context, subjectID string) (CredentialRecord, error) {
	args := m.Called(ctx, subjectID)
	return args.Get(0).(CredentialRecord), args.Error(1)
}

func (m *mockStore) ReplaceActive(ctx context.Context, rec CredentialRecord) (CredentialRecord, error) {
	args := m.Called(ctx, rec)
	return args.Get(0).(CredentialRecord), args.Error(1)
}

func (m *mockStore) Update(ctx context.Context, rec CredentialRecord) (CredentialRecord, error) {
	args := m.Called(ctx, rec)
	return args.Get(0).(CredentialRecord), args.Error(1)
}

func mockedService(t *testing.T, store CredentialStore, hasher SecretHasher) *Service {
	t.Helper()
	service, err := NewService(store, nil, nil, testConfig())
	require.NoError(t, err)
	return service.WithClock(newFakeClock().Now).WithHasher(hasher)
}

func storedRecord(t *testing.T, hasher SecretHasher) CredentialRecord {
	t.Helper()
	digest, err := hasher.Hash([]byte(testPin))
	require.NoError(t, err)
	return CredentialRecord{ID: "rec-1", SubjectID: testSubject, IsActive: true, Version: 4}.withPin(digest)
}

func TestVerifyStorageFailureIsNotAnOutcome(t *testing.T) {
	hasher := fastHasher(t)
	rec := storedRecord(t, hasher)

	store := &mockStore{}
	store.On("GetActive", mock.Anything, testSubject).Return(rec, nil)
	store.On("Update", mock.Anything, mock.Anything).
		Return(CredentialRecord{}, storageError("update credential", errors.New("disk I/O error")))

	outcome, err := mockedService(t, store, hasher).VerifyPin(context.Background(), testSubject, "2580")
	assert.ErrorIs(t, err, ErrStorageFailure)
	assert.Equal(t, Outcome{}, outcome)
	assert.NotContains(t, err.Error(), "2580")
	store.AssertExpectations(t)
}

func TestVerifyRetriesOnVersionConflict(t *testing.T) {
	hasher := fastHasher(t)
	rec := storedRecord(t, hasher)
	moved := rec
	moved.Version = 5
	moved.FailedAttempts = 1

	store := &mockStore{}
	store.On("GetActive", mock.Anything, testSubject).Return(rec, nil).Once()
	store.On("GetActive", mock.Anything, testSubject).Return(moved, nil).Once()
	store.On("Update", mock.Anything, mock.MatchedBy(func(r CredentialRecord) bool { return r.Version == 4 })).
		Return(CredentialRecord{}, ErrVersionConflict).Once()
	store.On("Update", mock.Anything, mock.MatchedBy(func(r CredentialRecord) bool {
		return r.Version == 5 && r.FailedAttempts == 2
	})).Return(moved, nil).Once()

	outcome, err := mockedService(t, store, hasher).VerifyPin(context.Background(), testSubject, "2580")
	require.NoError(t, err)
	assert.Equal(t, Outcome{Status: StatusInvalid, AttemptNumber: 2, AttemptsRemaining: 1}, outcome)
	store.AssertExpectations(t)
}

// cancellingHasher cancels the caller's context once the comparison is done,
// simulating a caller that gives up before the write.
type cancellingHasher struct {
	SecretHasher
	cancel context.CancelFunc
}

func (h *cancellingHasher) Verify(secret []byte, digest Digest) (bool, error) {
	ok, err := h.SecretHasher.Verify(secret, digest)
	h.cancel()
	return ok, err
}

func TestVerifyCancelledBeforePersistAppliesNothing(t *testing.T) {
	inner := fastHasher(t)
	rec := storedRecord(t, inner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &mockStore{}
	store.On("GetActive", mock.Anything, testSubject).Return(rec, nil)

	outcome, err := mockedService(t, store, &cancellingHasher{SecretHasher: inner, cancel: cancel}).
		VerifyPin(ctx, testSubject, "2580")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Outcome{}, outcome)
	store.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	weak := DefaultConfig()
	weak.LockoutThreshold = 10
	assert.ErrorIs(t, weak.Validate(), ErrWeakConfiguration)

	short := DefaultConfig()
	short.LockoutDuration = time.Minute
	assert.ErrorIs(t, short.Validate(), ErrWeakConfiguration)

	short.AllowWeakSettings = true
	require.NoError(t, short.Validate())
	assert.True(t, short.Hasher.AllowWeakParameters)

	_, err := NewService(&mockStore{}, nil, nil, Config{Hasher: HasherConfig{Iterations: 100}})
	assert.ErrorIs(t, err, ErrWeakConfiguration)
}
