// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package oauthflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimjune01/skilldex-sub003/pkg/errors"
)

func TestStateSignerRoundTrip(t *testing.T) {
	signer := NewStateSigner([]byte("test-secret"))

	state, err := signer.Sign("user-1", "gmail")
	require.NoError(t, err)

	userID, err := signer.Verify(state, "gmail")
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestStateSignerRejectsWrongFlow(t *testing.T) {
	signer := NewStateSigner([]byte("test-secret"))

	state, err := signer.Sign("user-1", "gmail")
	require.NoError(t, err)

	_, err = signer.Verify(state, "greenhouse")
	var stateErr *errors.StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestStateSignerRejectsExpired(t *testing.T) {
	signer := NewStateSigner([]byte("test-secret"))
	issued := time.Now().Add(-StateTTL - time.Minute)
	signer.now = func() time.Time { return issued }

	state, err := signer.Sign("user-1", "gmail")
	require.NoError(t, err)

	signer.now = time.Now
	_, err = signer.Verify(state, "gmail")
	var stateErr *errors.StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestStateSignerRejectsTampering(t *testing.T) {
	signer := NewStateSigner([]byte("test-secret"))
	other := NewStateSigner([]byte("other-secret"))

	state, err := other.Sign("user-1", "gmail")
	require.NoError(t, err)

	_, err = signer.Verify(state, "gmail")
	var stateErr *errors.StateError
	require.ErrorAs(t, err, &stateErr)

	_, err = signer.Verify("", "gmail")
	require.ErrorAs(t, err, &stateErr)

	_, err = signer.Verify("not-a-token", "gmail")
	require.ErrorAs(t, err, &stateErr)
}
