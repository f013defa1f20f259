// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader fetches dataset files over HTTP, with an optional progress bar and checksum verification.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// progressWriter forwards writes to w and advances bar by the number of bytes written.
type progressWriter struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

// Write implements io.Writer.
func (pw *progressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.w.Write(p)
	_ = pw.bar.Add64(int64(n))
	return
}

// CopyWithProgressBar is like io.Copy, but shows a progress bar of the bytes copied. If contentLength is
// unknown (<= 0) the bar is a spinner.
func CopyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64, description string) (n int64, err error) {
	if contentLength > 0 {
		description = fmt.Sprintf("%s (%s)", description, humanize.IBytes(uint64(contentLength)))
	}
	bar := progressbar.NewOptions64(contentLength,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	n, err = io.Copy(&progressWriter{w: dst, bar: bar}, src)
	_ = bar.Finish()
	fmt.Println()
	return
}

// Download fetches url into filePath, creating its directory if needed.
// The contents are written to a temporary file first, and renamed to filePath once complete.
func Download(ctx context.Context, url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath, err = fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return 0, err
	}
	if err = os.MkdirAll(filepath.Dir(filePath), 0o777); err != nil {
		return 0, errors.Wrapf(err, "failed to create the directory for %q", filePath)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid url %q", url)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: HTTP status %s", url, resp.Status)
	}

	tmpPath := filePath + ".downloading"
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", tmpPath)
	}
	if showProgressBar {
		size, err = CopyWithProgressBar(file, resp.Body, resp.ContentLength, filepath.Base(filePath))
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed closing %q", tmpPath)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed to move %q to %q", tmpPath, filePath)
	}
	klog.V(1).Infof("downloaded %s from %q to %q", humanize.IBytes(uint64(size)), url, filePath)
	return size, nil
}

// DownloadIfMissing downloads url into filePath if the file doesn't exist yet.
//
// If checkHash is not empty, the file's SHA256 (hex encoded) must match it.
func DownloadIfMissing(ctx context.Context, url, filePath, checkHash string) error {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return err
	}
	if !exists {
		fmt.Printf("Downloading %s ...\n", url)
		if _, err = Download(ctx, url, filePath, true); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return ValidateChecksum(filePath, checkHash)
}

// ValidateChecksum returns an error if the SHA256 of the file (hex encoded) is not wantHash.
func ValidateChecksum(filePath, wantHash string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	hasher := sha256.New()
	if _, err = io.Copy(hasher, f); err != nil {
		return errors.Wrapf(err, "failed to read %q", filePath)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != wantHash {
		return errors.Errorf("file %q has checksum %q, wanted %q", filePath, got, wantHash)
	}
	return nil
}
