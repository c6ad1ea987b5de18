package flagstore

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizobs-sim/engine/internal/apierrors"
	"github.com/bizobs-sim/engine/internal/model"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.ChangeEvent
}

func (r *recordingNotifier) EmitChange(evt model.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingNotifier) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testStore(t *testing.T) (*Store, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	s, err := New(Config{StatePath: filepath.Join(t.TempDir(), "flag_state.json")}, notifier, nil)
	require.NoError(t, err)
	return s, notifier
}

func TestSetGlobal_ClampsRateToUnitInterval(t *testing.T) {
	s, notifier := testStore(t)

	_, err := s.SetGlobal("errors_per_transaction", 1.5, "chaos test", "operator")
	require.NoError(t, err)

	assert.Equal(t, 1.0, s.GetGlobal()["errors_per_transaction"])
	assert.Equal(t, 1, notifier.Count())
}

func TestSetGlobal_RejectsUnknownFlag(t *testing.T) {
	s, _ := testStore(t)

	_, err := s.SetGlobal("not_a_real_flag", true, "", "")
	require.Error(t, err)
	svcErr := apierrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, apierrors.ErrCodeFlagValidation, svcErr.Code)
}

func TestSetGlobal_RejectsTypeMismatch(t *testing.T) {
	s, _ := testStore(t)

	_, err := s.SetGlobal("slow_responses_enabled", "yes", "", "")
	require.Error(t, err)
}

func TestSetGlobal_RejectsNonPositiveRegenerateN(t *testing.T) {
	s, _ := testStore(t)

	_, err := s.SetGlobal("regenerate_every_n_transactions", 0, "", "")
	require.Error(t, err)
}

func TestSetGlobal_DoubleSetYieldsTwoChangeEventsNotDeduped(t *testing.T) {
	s, notifier := testStore(t)

	_, err := s.SetGlobal("cache_enabled", true, "", "")
	require.NoError(t, err)
	_, err = s.SetGlobal("cache_enabled", true, "", "")
	require.NoError(t, err)

	assert.Equal(t, 2, notifier.Count())
}

func TestNew_SeedsGlobalWithDocumentedDefaults(t *testing.T) {
	s, _ := testStore(t)
	assert.Equal(t, DefaultFlagSet(), s.GetGlobal())
}

func TestResetGlobal_ThenGetReturnsDefault(t *testing.T) {
	s, _ := testStore(t)

	_, err := s.SetGlobal("cache_enabled", false, "", "")
	require.NoError(t, err)

	_, err = s.ResetGlobal("cache_enabled")
	require.NoError(t, err)

	assert.Equal(t, DefaultFlagSet()["cache_enabled"], s.GetGlobal()["cache_enabled"])
}

func TestResetGlobal_UnrecognizedFlagReturnsNotFound(t *testing.T) {
	s, _ := testStore(t)

	_, err := s.ResetGlobal("not_a_real_flag")
	require.Error(t, err)
	svcErr := apierrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, apierrors.ErrCodeNotFound, svcErr.Code)
}

func TestGetEffective_OverrideTakesPrecedenceOverGlobal(t *testing.T) {
	s, _ := testStore(t)

	_, err := s.SetGlobal("errors_per_transaction", 0.1, "", "")
	require.NoError(t, err)

	_, err = s.SetServiceOverride("CheckoutService-Acme", model.FlagSet{"errors_per_transaction": 0.9}, "", "")
	require.NoError(t, err)

	assert.Equal(t, 0.9, s.GetEffective("CheckoutService-Acme")["errors_per_transaction"])
	assert.Equal(t, 0.1, s.GetEffective("OtherService-Acme")["errors_per_transaction"])
	assert.Equal(t, 0.1, s.GetGlobal()["errors_per_transaction"])
}

func TestClearServiceOverride_FallsBackToGlobal(t *testing.T) {
	s, _ := testStore(t)

	_, err := s.SetGlobal("cache_enabled", false, "", "")
	require.NoError(t, err)
	_, err = s.SetServiceOverride("CheckoutService-Acme", model.FlagSet{"cache_enabled": true}, "", "")
	require.NoError(t, err)

	require.NoError(t, s.ClearServiceOverride("CheckoutService-Acme"))

	assert.Equal(t, false, s.GetEffective("CheckoutService-Acme")["cache_enabled"])
}

func TestResetAll_RestoresDefaultsAndClearsOverrides(t *testing.T) {
	s, _ := testStore(t)

	_, err := s.SetGlobal("cache_enabled", true, "", "")
	require.NoError(t, err)
	_, err = s.SetServiceOverride("CheckoutService-Acme", model.FlagSet{"cache_enabled": false}, "", "")
	require.NoError(t, err)

	require.NoError(t, s.ResetAll())

	assert.Equal(t, DefaultFlagSet(), s.GetGlobal())
	assert.Empty(t, s.GetOverrides())
}

func TestPersistedState_SurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flag_state.json")

	s1, err := New(Config{StatePath: path}, nil, nil)
	require.NoError(t, err)
	_, err = s1.SetGlobal("errors_per_minute", 3, "", "")
	require.NoError(t, err)

	s2, err := New(Config{StatePath: path}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(3), s2.GetGlobal()["errors_per_minute"])
}
