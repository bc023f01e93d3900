package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, driver string) *SQLite {
	t.Helper()
	s, err := Open(Options{Driver: driver, Path: filepath.Join(t.TempDir(), "db", "botbox.db")}, nil)
	if err != nil && driver == DriverCgo && strings.Contains(err.Error(), "CGO_ENABLED=0") {
		t.Skip("go-sqlite3 needs cgo")
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testBot(name string) Bot {
	at := time.Unix(1700000000, 123456789)
	return Bot{Name: name, Owner: "alice@chat", Source: "package main", CreatedAt: at, UpdatedAt: at}
}

func TestSQLite_Drivers(t *testing.T) {
	for _, driver := range []string{DriverModernc, DriverCgo} {
		t.Run(driver, func(t *testing.T) {
			s := openTestStore(t, driver)
			ctx := context.Background()

			require.NoError(t, s.CreateBot(ctx, testBot("echo")))
			got, err := s.GetBot(ctx, "echo")
			require.NoError(t, err)
			assert.Equal(t, "alice@chat", got.Owner)
			assert.True(t, got.CreatedAt.Equal(testBot("echo").CreatedAt))
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "postgres", Path: filepath.Join(t.TempDir(), "x.db")}, nil)
	assert.ErrorContains(t, err, "unknown sqlite driver")
}

func TestSQLite_CreateConflict(t *testing.T) {
	s := openTestStore(t, DriverModernc)
	ctx := context.Background()

	require.NoError(t, s.CreateBot(ctx, testBot("echo")))
	err := s.CreateBot(ctx, testBot("echo"))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSQLite_UpdateBot(t *testing.T) {
	s := openTestStore(t, DriverModernc)
	ctx := context.Background()

	assert.ErrorIs(t, s.UpdateBot(ctx, "ghost", "bob", "x", time.Now()), ErrNotFound)

	require.NoError(t, s.CreateBot(ctx, testBot("echo")))
	later := time.Unix(1800000000, 0)
	require.NoError(t, s.UpdateBot(ctx, "echo", "bob@chat", "package main // v2", later))

	got, err := s.GetBot(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, "bob@chat", got.Owner)
	assert.Equal(t, "package main // v2", got.Source)
	assert.True(t, got.UpdatedAt.Equal(later))
	assert.True(t, got.CreatedAt.Equal(testBot("echo").CreatedAt))
}

func TestSQLite_ListInRegistrationOrder(t *testing.T) {
	s := openTestStore(t, DriverModernc)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.CreateBot(ctx, testBot(name)))
	}
	require.NoError(t, s.DeleteBot(ctx, "alpha"))
	require.NoError(t, s.CreateBot(ctx, testBot("alpha")))

	bots, err := s.ListBots(ctx)
	require.NoError(t, err)
	var names []string
	for _, b := range bots {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{"zeta", "mid", "alpha"}, names)
}

func TestSQLite_Exists(t *testing.T) {
	s := openTestStore(t, DriverModernc)
	ctx := context.Background()

	ok, err := s.BotExists(ctx, "echo")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.CreateBot(ctx, testBot("echo")))
	ok, err = s.BotExists(ctx, "echo")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLite_LastSaid(t *testing.T) {
	s := openTestStore(t, DriverModernc)
	ctx := context.Background()

	require.NoError(t, s.CreateBot(ctx, testBot("echo")))
	require.NoError(t, s.SetLastSaid(ctx, "echo", "hello"))
	got, err := s.GetBot(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.LastSaid)

	assert.ErrorIs(t, s.SetLastSaid(ctx, "ghost", "x"), ErrNotFound)
}

func TestSQLite_StateVersioning(t *testing.T) {
	s := openTestStore(t, DriverModernc)
	ctx := context.Background()

	st, err := s.LoadState(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, State{}, st)

	v1, err := s.SaveState(ctx, "echo", []byte{0xa1}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	// A second writer that also loaded version 0 loses.
	_, err = s.SaveState(ctx, "echo", []byte{0xa2}, 0)
	assert.ErrorIs(t, err, ErrStateConflict)

	v2, err := s.SaveState(ctx, "echo", []byte{0xa3}, v1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	_, err = s.SaveState(ctx, "echo", []byte{0xa4}, v1)
	assert.ErrorIs(t, err, ErrStateConflict)

	st, err = s.LoadState(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, State{Data: []byte{0xa3}, Version: 2}, st)
}

func TestSQLite_DeleteRemovesState(t *testing.T) {
	s := openTestStore(t, DriverModernc)
	ctx := context.Background()

	require.NoError(t, s.CreateBot(ctx, testBot("echo")))
	_, err := s.SaveState(ctx, "echo", []byte{0xa1}, 0)
	require.NoError(t, err)

	require.NoError(t, s.DeleteBot(ctx, "echo"))
	_, err = s.GetBot(ctx, "echo")
	assert.ErrorIs(t, err, ErrNotFound)

	st, err := s.LoadState(ctx, "echo")
	require.NoError(t, err)
	assert.Zero(t, st.Version)

	assert.ErrorIs(t, s.DeleteBot(ctx, "echo"), ErrNotFound)
}

func TestSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botbox.db")
	ctx := context.Background()

	s, err := Open(Options{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateBot(ctx, testBot("echo")))
	require.NoError(t, s.Close())

	s, err = Open(Options{Path: path}, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())
	ok, err := s.BotExists(ctx, "echo")
	require.NoError(t, err)
	assert.True(t, ok)
}
