// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package resource_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugrun/plugrun/internal/plugin/resource"
)

func newRegistry(t *testing.T, patterns ...string) *resource.Registry {
	t.Helper()
	allow, err := resource.NewAllowList(patterns)
	require.NoError(t, err)
	return resource.NewRegistry(allow, nil)
}

func TestRegistry_ScopeOnlyResolvesShared(t *testing.T) {
	r := newRegistry(t, "db.*")
	require.NoError(t, r.Register("db.main", resource.Value("postgres://main")))
	require.NoError(t, r.Register("secrets.api", resource.Value("hunter2")))

	scope := r.Scope(context.Background())
	defer scope.Close()

	v, ok := scope.Lookup("db.main")
	assert.True(t, ok)
	assert.Equal(t, "postgres://main", v)

	_, ok = scope.Lookup("secrets.api")
	assert.False(t, ok, "resources outside the allow-list must not resolve")
	assert.Equal(t, map[string]string{"db.main": "postgres://main"}, scope.Values())
	assert.Equal(t, []string{"db.main"}, r.Shared())
	assert.Equal(t, []string{"db.main", "secrets.api"}, r.Names())
}

func TestRegistry_ScopeResolvesPerCall(t *testing.T) {
	r := newRegistry(t, "**")
	calls := 0
	require.NoError(t, r.Register("counter", resource.ProviderFunc(func(context.Context) (string, error) {
		calls++
		return string(rune('0' + calls)), nil
	})))

	first, _ := r.Scope(context.Background()).Lookup("counter")
	second, _ := r.Scope(context.Background()).Lookup("counter")

	assert.Equal(t, "1", first)
	assert.Equal(t, "2", second)
}

func TestRegistry_FailingProviderSkipped(t *testing.T) {
	r := newRegistry(t, "**")
	require.NoError(t, r.Register("broken", resource.ProviderFunc(func(context.Context) (string, error) {
		return "", errors.New("unreachable")
	})))

	_, ok := r.Scope(context.Background()).Lookup("broken")
	assert.False(t, ok)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := newRegistry(t)
	assert.Error(t, r.Register("", resource.Value("x")))
	assert.Error(t, r.Register("db.main", nil))
}

func TestScope_CloseDiscardsValues(t *testing.T) {
	r := newRegistry(t, "**")
	require.NoError(t, r.Register("db.main", resource.Value("dsn")))

	scope := r.Scope(context.Background())
	scope.Close()

	_, ok := scope.Lookup("db.main")
	assert.False(t, ok)
	assert.Empty(t, scope.Values())
}

func TestScope_NilSafe(t *testing.T) {
	var s *resource.Scope
	assert.Nil(t, s.Values())
	_, ok := s.Lookup("x")
	assert.False(t, ok)
	s.Close()
}
