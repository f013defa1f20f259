// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasource

import (
	"image"
	"io/fs"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff"}

// newFolder lists the images under cfg.SavePath. Images are decoded lazily, when yielded.
func newFolder(cfg Config) (*imageDataset, error) {
	if cfg.ImageChannels != 1 && cfg.ImageChannels != 3 {
		return nil, errors.Errorf("datasource: %q must be 1 or 3, got %d", ParamImageChannels, cfg.ImageChannels)
	}
	baseDir, err := fsutil.ReplaceTildeInDir(cfg.SavePath)
	if err != nil {
		return nil, err
	}
	paths, err := listImages(baseDir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("datasource: no images found under %q", baseDir)
	}
	if cfg.MaxExamples > 0 && cfg.MaxExamples < len(paths) {
		subset := rand.New(rand.NewPCG(cfg.Seed, 1)).Perm(len(paths))[:cfg.MaxExamples]
		paths = Select(paths, subset)
	}
	load := func(index int) (image.Image, int32, error) {
		img, err := imaging.Open(paths[index], imaging.AutoOrientation(true))
		if err != nil {
			return nil, 0, errors.Wrapf(err, "failed to read image %q", paths[index])
		}
		return img, 0, nil
	}
	return newImageDataset("folder-"+filepath.Base(baseDir), len(paths), load, cfg, cfg.ImageChannels), nil
}

// listImages returns the sorted paths of image files under baseDir.
func listImages(baseDir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(baseDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(path))) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images under %q", baseDir)
	}
	slices.Sort(paths)
	return paths, nil
}
