// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const content = "some dataset contents"

func newServer(t *testing.T, numRequests *atomic.Int32) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		numRequests.Add(1)
		if r.URL.Path != "/data.bin" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(content))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDownload(t *testing.T) {
	var numRequests atomic.Int32
	server := newServer(t, &numRequests)
	filePath := filepath.Join(t.TempDir(), "sub", "data.bin")

	size, err := Download(context.Background(), server.URL+"/data.bin", filePath, false)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)
	got, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))

	_, err = Download(context.Background(), server.URL+"/missing", filepath.Join(t.TempDir(), "x"), false)
	require.Error(t, err)
}

func TestDownloadIfMissing(t *testing.T) {
	var numRequests atomic.Int32
	server := newServer(t, &numRequests)
	filePath := filepath.Join(t.TempDir(), "data.bin")
	hash := sha256.Sum256([]byte(content))
	wantHash := hex.EncodeToString(hash[:])

	require.NoError(t, DownloadIfMissing(context.Background(), server.URL+"/data.bin", filePath, wantHash))
	require.NoError(t, DownloadIfMissing(context.Background(), server.URL+"/data.bin", filePath, wantHash))
	assert.Equal(t, int32(1), numRequests.Load(), "second call should not download again")

	require.Error(t, DownloadIfMissing(context.Background(), server.URL+"/data.bin", filePath, "bad-hash"))
}
