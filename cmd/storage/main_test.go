package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"libradispatch/internal/config"
	"libradispatch/internal/loan"
	"libradispatch/internal/logging"
	"libradispatch/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDatabaseDown = errors.New("dial tcp: connection refused")

// fakeOpener serves memory stores by DSN; DSNs it does not know fail to open.
type fakeOpener struct {
	stores map[string]*storage.MemoryStore
	opened []string
}

func (f *fakeOpener) open(_ context.Context, _, dsn string) (storage.Store, error) {
	f.opened = append(f.opened, dsn)
	s, ok := f.stores[dsn]
	if !ok {
		return nil, errDatabaseDown
	}
	return s, nil
}

func storeWithItem() *storage.MemoryStore {
	s := storage.NewMemoryStore()
	s.PutItem(loan.Item{ItemID: "L0001", BranchID: "SEDE1", Total: 1, Available: 1})
	return s
}

func primaryConfig() config.Storage {
	return config.Storage{
		Name:       "storage-primary",
		Role:       config.RolePrimary,
		Store:      config.StorePostgres,
		Driver:     "postgres",
		DSN:        "primary-db",
		ReplicaDSN: "replica-db",
	}
}

func borrow() loan.Operation {
	return loan.Operation{Op: "BORROW", RequestID: "S-1", UserID: "U1", ItemID: "L0001", BranchID: "SEDE1", IdempotencyKey: "k-1"}
}

func TestBuildEngineMirrorsToReplica(t *testing.T) {
	primary, replica := storeWithItem(), storeWithItem()
	opener := &fakeOpener{stores: map[string]*storage.MemoryStore{"primary-db": primary, "replica-db": replica}}

	engine, closeStores, err := buildEngine(context.Background(), primaryConfig(), logging.Discard(), opener.open)
	require.NoError(t, err)
	defer closeStores()

	res := engine.Apply(context.Background(), borrow())
	require.True(t, res.OK, res.Msg)
	assert.Len(t, primary.Loans(), 1)
	assert.Len(t, replica.Loans(), 1)
	assert.Equal(t, []string{"primary-db", "replica-db"}, opener.opened)
}

func TestBuildEngineStartsWithoutUnreachableReplica(t *testing.T) {
	primary := storeWithItem()
	opener := &fakeOpener{stores: map[string]*storage.MemoryStore{"primary-db": primary}}
	var logs bytes.Buffer
	logger := logging.New(config.Logging{Level: "info", Format: "json"}, &logs, "storage-primary")

	engine, closeStores, err := buildEngine(context.Background(), primaryConfig(), logger, opener.open)
	require.NoError(t, err)
	defer closeStores()

	res := engine.Apply(context.Background(), borrow())
	require.True(t, res.OK, res.Msg)
	assert.Len(t, primary.Loans(), 1)
	assert.Contains(t, logs.String(), "replica unavailable")
	assert.Contains(t, logs.String(), `"level":"WARN"`)
}

func TestBuildEngineBackupServesReplicaDatabase(t *testing.T) {
	replica := storeWithItem()
	opener := &fakeOpener{stores: map[string]*storage.MemoryStore{"replica-db": replica}}
	cfg := primaryConfig()
	cfg.Role = config.RoleBackup

	engine, closeStores, err := buildEngine(context.Background(), cfg, logging.Discard(), opener.open)
	require.NoError(t, err)
	defer closeStores()

	require.True(t, engine.Apply(context.Background(), borrow()).OK)
	assert.Len(t, replica.Loans(), 1)
	assert.Equal(t, []string{"replica-db"}, opener.opened)
}

func TestBuildEngineFailsWithoutPrimaryDatabase(t *testing.T) {
	opener := &fakeOpener{stores: map[string]*storage.MemoryStore{"replica-db": storeWithItem()}}

	_, _, err := buildEngine(context.Background(), primaryConfig(), logging.Discard(), opener.open)
	assert.ErrorIs(t, err, errDatabaseDown)
}
