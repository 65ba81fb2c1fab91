// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package errutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T, err error) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	LogError(logger, "operation failed", err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogError_OopsError(t *testing.T) {
	err := oops.Code("FORBIDDEN_BANNED").With("chat_id", int64(10)).Errorf("banned")
	entry := captureLog(t, err)

	assert.Equal(t, "operation failed", entry["msg"])
	assert.Equal(t, "banned", entry["error"])
	assert.Equal(t, "FORBIDDEN_BANNED", entry["code"])

	ctx, ok := entry["context"].(map[string]any)
	require.True(t, ok, "context should be logged as a group")
	assert.Equal(t, float64(10), ctx["chat_id"])
}

func TestLogError_OopsWithoutCode(t *testing.T) {
	entry := captureLog(t, oops.Errorf("plain oops"))
	assert.NotContains(t, entry, "code", "empty code must be omitted")
}

func TestLogError_StandardError(t *testing.T) {
	entry := captureLog(t, errors.New("boom"))
	assert.Equal(t, "boom", entry["error"])
	assert.NotContains(t, entry, "code")
	assert.NotContains(t, entry, "context")
}
