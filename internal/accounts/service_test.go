package accounts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamscao/trustgate/internal/auth"
	"github.com/adamscao/trustgate/internal/db/repository"
	"github.com/adamscao/trustgate/internal/models"
	"github.com/adamscao/trustgate/internal/testutil"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newService(t *testing.T) (*Service, *repository.AuditRepository) {
	t.Helper()
	database := testutil.OpenDB(t)

	sealer, err := auth.NewSealer(testKey)
	require.NoError(t, err)

	audit := repository.NewAuditRepository(database.DB)
	return NewService(repository.NewAccountRepository(database.DB), sealer, audit, nil), audit
}

func TestCreateAndResolve(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	account, err := svc.Create(ctx, CreateRequest{
		Name:     "work",
		BaseURL:  "https://Cloud.Example/nc",
		Username: "alice",
		Password: "app-password",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cloud.example/nc/", account.BaseURL)
	assert.NotContains(t, string(account.Credential), "app-password")

	baseURL, found, err := svc.BaseURLOf(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "https://cloud.example/nc/", baseURL)

	creds, err := svc.Credentials(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", creds.Username)
	assert.Equal(t, "app-password", creds.Password)
	assert.Equal(t, "https://cloud.example/nc/", creds.BaseURL)
}

func TestUnknownAccount(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, found, err := svc.BaseURLOf(ctx, 7)
	require.NoError(t, err)
	assert.False(t, found)

	creds, err := svc.Credentials(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, creds.Username)
	assert.Empty(t, creds.Password)
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{Name: "", BaseURL: "https://a.example"})
	assert.ErrorIs(t, err, ErrInvalidAccount)

	_, err = svc.Create(ctx, CreateRequest{Name: "x", BaseURL: "gopher://a.example"})
	assert.ErrorIs(t, err, ErrInvalidAccount)

	_, err = svc.Create(ctx, CreateRequest{Name: "x", BaseURL: "https://a.example", Password: "p"})
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestSetBaseURLNotifiesListeners(t *testing.T) {
	svc, audit := newService(t)
	ctx := context.Background()

	account, err := svc.Create(ctx, CreateRequest{Name: "work", BaseURL: "https://a.example"})
	require.NoError(t, err)

	var notified []int64
	svc.OnBaseURLChange(func(id int64) { notified = append(notified, id) })

	updated, err := svc.SetBaseURL(ctx, account.ID, "https://b.example")
	require.NoError(t, err)
	assert.Equal(t, "https://b.example/", updated.BaseURL)
	assert.Equal(t, []int64{account.ID}, notified)

	_, err = svc.SetBaseURL(ctx, 999, "https://c.example")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Len(t, notified, 1)

	_, err = svc.SetBaseURL(ctx, account.ID, "not a url")
	assert.ErrorIs(t, err, ErrInvalidAccount)

	logs, err := audit.List("", models.ActionAccountURLChanged, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, account.ID, logs[0].AccountID)
}
