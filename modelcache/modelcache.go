// Package modelcache manages the directory of downloaded HuggingFace models,
// laid out as <root>/<org>/<model>.
package modelcache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidName = errors.New("invalid model name")
	ErrNotFound    = errors.New("model not found")
)

type Model struct {
	// Name is the model directory, e.g. "Qwen2-VL-2B-Instruct-4bit".
	Name string
	// Repo is "<org>/<model>".
	Repo       string
	Path       string
	Size       int64
	ModifiedAt time.Time
}

type Cache struct {
	root string
}

func New(root string) *Cache {
	return &Cache{root: root}
}

func (c *Cache) Root() string {
	return c.root
}

// ParseName splits a repository name of the form org/model.
func ParseName(name string) (org, model string, err error) {
	org, model, ok := strings.Cut(name, "/")
	if !ok || !validPart(org) || !validPart(model) {
		return "", "", fmt.Errorf("%w: %q, expected org/model", ErrInvalidName, name)
	}
	return org, model, nil
}

func validPart(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\:`) && !strings.HasPrefix(s, ".")
}

// List returns every model in the cache sorted by repository name. A
// missing cache directory holds no models.
func (c *Cache) List(ctx context.Context) ([]Model, error) {
	orgs, err := os.ReadDir(c.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var models []Model
	for _, org := range orgs {
		if !org.IsDir() || !validPart(org.Name()) {
			continue
		}

		entries, err := os.ReadDir(filepath.Join(c.root, org.Name()))
		if err != nil {
			return nil, err
		}

		for _, e := range entries {
			if !e.IsDir() || !validPart(e.Name()) {
				continue
			}

			models = append(models, Model{
				Name: e.Name(),
				Repo: org.Name() + "/" + e.Name(),
				Path: filepath.Join(c.root, org.Name(), e.Name()),
			})
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range models {
		g.Go(func() error {
			size, modified, err := dirSize(ctx, models[i].Path)
			if err != nil {
				return fmt.Errorf("%s: %w", models[i].Repo, err)
			}

			models[i].Size = size
			models[i].ModifiedAt = modified
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(models, func(a, b Model) int {
		return cmp.Compare(a.Repo, b.Repo)
	})

	return models, nil
}

// dirSize sums the size of the regular files below dir and returns the
// latest modification time among them.
func dirSize(ctx context.Context, dir string) (int64, time.Time, error) {
	var size int64
	var modified time.Time
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}

		size += fi.Size()
		if fi.ModTime().After(modified) {
			modified = fi.ModTime()
		}
		return nil
	})
	return size, modified, err
}

// Delete removes the model named org/model and, if it was the last model
// of its organization, the organization directory.
func (c *Cache) Delete(name string) error {
	org, model, err := ParseName(name)
	if err != nil {
		return err
	}

	path := filepath.Join(c.root, org, model)
	if fi, err := os.Stat(path); errors.Is(err, os.ErrNotExist) || (err == nil && !fi.IsDir()) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	} else if err != nil {
		return err
	}

	if err := os.RemoveAll(path); err != nil {
		return err
	}

	slog.Info("deleted model", "model", name, "path", path)

	// remove the organization directory once it is empty
	if err := os.Remove(filepath.Join(c.root, org)); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Debug("keeping organization directory", "org", org, "error", err)
	}

	return nil
}
