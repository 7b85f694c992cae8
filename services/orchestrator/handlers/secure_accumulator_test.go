// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsecureAccumulator_WriteAndFinalize(t *testing.T) {
	acc := newInsecureTokenAccumulator()
	defer acc.Destroy()

	require.NoError(t, acc.Write("Hello "))
	require.NoError(t, acc.Write("world!"))

	answer, hashStr, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", answer)

	want := sha256.Sum256([]byte("Hello world!"))
	assert.Equal(t, hex.EncodeToString(want[:]), hashStr,
		"hash must cover the concatenated tokens")
}

func TestInsecureAccumulator_WriteAfterFinalizeFails(t *testing.T) {
	acc := newInsecureTokenAccumulator()

	require.NoError(t, acc.Write("a"))
	_, _, err := acc.Finalize()
	require.NoError(t, err)

	assert.Error(t, acc.Write("b"), "write after finalize must fail")
	_, _, err = acc.Finalize()
	assert.Error(t, err, "double finalize must fail")
}

func TestInsecureAccumulator_Overflow(t *testing.T) {
	acc := newInsecureTokenAccumulator()
	defer acc.Destroy()

	big := strings.Repeat("x", SecureBufferSize)
	require.NoError(t, acc.Write(big))

	err := acc.Write("one more byte")
	require.Error(t, err, "write past capacity must fail")

	_, _, err = acc.Finalize()
	assert.Error(t, err, "finalize after overflow must fail")
}

func TestInsecureAccumulator_DestroyIsIdempotent(t *testing.T) {
	acc := newInsecureTokenAccumulator()
	require.NoError(t, acc.Write("secret"))

	acc.Destroy()
	acc.Destroy()

	assert.Error(t, acc.Write("after"), "write after destroy must fail")
	assert.NotEmpty(t, acc.ID())
}

func TestNewSecureTokenAccumulator_RoundTrip(t *testing.T) {
	t.Setenv("ALEUTIAN_INSECURE_MEMORY", "true")

	acc, err := NewSecureTokenAccumulator()
	require.NoError(t, err, "accumulator must be available with the insecure fallback enabled")
	defer acc.Destroy()

	require.NoError(t, acc.Write("streamed "))
	require.NoError(t, acc.Write("answer"))

	answer, hashStr, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "streamed answer", answer)
	assert.Len(t, hashStr, 64, "hash must be hex-encoded SHA-256")
}
