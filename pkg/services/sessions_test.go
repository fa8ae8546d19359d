package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowlift/snowlift/pkg/upstream"
)

type fakeUpstream struct {
	closed      bool
	validateErr error
}

func (f *fakeUpstream) Validate(context.Context) error { return f.validateErr }
func (f *fakeUpstream) Close() error                   { f.closed = true; return nil }
func (f *fakeUpstream) DB() *sql.DB                    { return nil }
func (f *fakeUpstream) RESTHost() string               { return "acct.snowflakecomputing.com" }
func (f *fakeUpstream) Token() string                  { return "" }

func newTestManager(ttl time.Duration) (*SessionManager, *[]*fakeUpstream) {
	m := NewSessionManager(ttl, "claude-4-sonnet", "complete", nil)
	var conns []*fakeUpstream
	m.SetConnectFunc(func(context.Context, upstream.Config) (Upstream, error) {
		conn := &fakeUpstream{}
		conns = append(conns, conn)
		return conn, nil
	})
	return m, &conns
}

func TestCreateOrReplaceClosesPriorSession(t *testing.T) {
	m, conns := newTestManager(time.Hour)

	first, err := m.CreateOrReplace(context.Background(), "sid", upstream.Config{}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "claude-4-sonnet", first.ModelConfig.Model)
	assert.Equal(t, "complete", first.ModelConfig.CortexFunction)
	require.NotNil(t, first.ModelConfig.Temperature)
	assert.Zero(t, *first.ModelConfig.Temperature)

	second, err := m.CreateOrReplace(context.Background(), "sid", upstream.Config{}, "mistral-large2", "summarize")
	require.NoError(t, err)
	assert.Equal(t, "mistral-large2", second.ModelConfig.Model)

	require.Len(t, *conns, 2)
	assert.True(t, (*conns)[0].closed, "prior connection must be closed on replace")
	assert.False(t, (*conns)[1].closed)
	assert.Same(t, second, m.GetContext("sid"))
}

func TestGetContextEvictsExpired(t *testing.T) {
	m, conns := newTestManager(10 * time.Millisecond)

	_, err := m.CreateOrReplace(context.Background(), "sid", upstream.Config{}, "", "")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	assert.Nil(t, m.GetContext("sid"))
	require.Len(t, *conns, 1)
	assert.True(t, (*conns)[0].closed, "expired session must be disconnected")

	// Eviction is permanent until a new connect.
	assert.Nil(t, m.GetContext("sid"))
}

func TestTouchExtendsExpiry(t *testing.T) {
	m, _ := newTestManager(time.Hour)

	session, err := m.CreateOrReplace(context.Background(), "sid", upstream.Config{}, "", "")
	require.NoError(t, err)

	before := session.ExpiresAt
	time.Sleep(5 * time.Millisecond)
	m.Touch(session)

	assert.True(t, session.ExpiresAt.After(before))
}

func TestValidateConnectionEvictsOnFailure(t *testing.T) {
	m, conns := newTestManager(time.Hour)

	session, err := m.CreateOrReplace(context.Background(), "sid", upstream.Config{}, "", "")
	require.NoError(t, err)

	(*conns)[0].validateErr = errors.New("socket closed")

	err = m.ValidateConnection(context.Background(), session)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionInvalid)
	assert.Nil(t, m.GetContext("sid"))
}

func TestBuildStatus(t *testing.T) {
	m, _ := newTestManager(time.Hour)

	assert.False(t, m.BuildStatus("").Connected)
	assert.False(t, m.BuildStatus("unknown").Connected)

	_, err := m.CreateOrReplace(context.Background(), "sid", upstream.Config{}, "", "")
	require.NoError(t, err)

	status := m.BuildStatus("sid")
	assert.True(t, status.Connected)
	assert.Equal(t, "sid", status.SessionID)
	require.NotNil(t, status.ModelDefaults)
	assert.Equal(t, "claude-4-sonnet", status.ModelDefaults.Model)
	assert.Equal(t, "complete", status.ModelDefaults.CortexFunction)
	require.NotNil(t, status.ExpiresAt)
	assert.True(t, status.ExpiresAt.After(time.Now()))
}

func TestDisconnectReportsExistence(t *testing.T) {
	m, _ := newTestManager(time.Hour)

	assert.False(t, m.Disconnect("nope"))

	_, err := m.CreateOrReplace(context.Background(), "sid", upstream.Config{}, "", "")
	require.NoError(t, err)
	assert.True(t, m.Disconnect("sid"))
	assert.False(t, m.Disconnect("sid"))
}
