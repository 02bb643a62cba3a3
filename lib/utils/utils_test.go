/*
Copyright 2024 Netprobe Labs

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	InitLoggerForTests()
	m.Run()
}

func TestCryptoRandomToken(t *testing.T) {
	urlSafe := regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

	token, err := CryptoRandomToken(32)
	require.NoError(t, err)
	// 32 bytes encode to 43 characters of unpadded url-safe base64.
	assert.Len(t, token, 43)
	assert.Regexp(t, urlSafe, token)

	other, err := CryptoRandomToken(32)
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestSeventhJitter(t *testing.T) {
	jitter := NewSeventhJitter()
	d := 7 * time.Second
	for i := 0; i < 100; i++ {
		v := jitter(d)
		require.GreaterOrEqual(t, v, 6*d/7)
		require.Less(t, v, d)
	}
	assert.Equal(t, time.Duration(0), jitter(0))
}

func TestFractionalJitter(t *testing.T) {
	jitter := NewFractionalJitter(0.10)
	d := 10 * time.Second
	for i := 0; i < 100; i++ {
		v := jitter(d)
		require.GreaterOrEqual(t, v, 9*time.Second)
		require.LessOrEqual(t, v, 11*time.Second)
	}
}

func TestClientAddrHost(t *testing.T) {
	assert.Equal(t, "10.0.0.1", ClientAddrHost("10.0.0.1:4444"))
	assert.Equal(t, "10.0.0.1", ClientAddrHost("10.0.0.1"))
	assert.Equal(t, "", ClientAddrHost(""))
}
