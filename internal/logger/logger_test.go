package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContextAttachesRunAndTenant(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := WithTenant(WithRunID(context.Background(), "run-1"), "acme")
	FromContext(ctx, base).Info("hello", Category(CategoryDelivery))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "run-1", fields["run_id"])
	require.Equal(t, "acme", fields["tenant"])
	require.Equal(t, CategoryDelivery, fields["category"])
}

func TestFromContextWithoutValues(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	FromContext(context.Background(), zap.New(core)).Info("plain")
	require.Empty(t, logs.All()[0].ContextMap())
	require.Equal(t, "", RunID(context.Background()))
}
