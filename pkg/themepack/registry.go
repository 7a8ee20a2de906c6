package themepack

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/theatreos/theatreos/pkg/storage"
)

// DefaultPackID is the embedded pack bound when a theatre has no binding.
const DefaultPackID = "default"

//go:embed content
var embeddedContent embed.FS

// Registry loads theme packs from a content directory, caches them, and
// tracks per-theatre bindings. Lookups are read-mostly; binding swaps a
// pointer under a short write lock.
type Registry struct {
	contentFS fs.FS

	mu       sync.RWMutex
	packs    map[string]*Pack // pack id -> loaded pack
	bindings map[string]*Pack // theatre id -> bound pack
}

// NewRegistry creates a registry over the given content directory. The
// embedded default pack is always available regardless of the directory's
// contents.
func NewRegistry(contentDir string) *Registry {
	var fsys fs.FS
	if contentDir != "" {
		fsys = os.DirFS(contentDir)
	}
	return &Registry{
		contentFS: fsys,
		packs:     make(map[string]*Pack),
		bindings:  make(map[string]*Pack),
	}
}

// PackListing is one entry of ListAvailable.
type PackListing struct {
	PackID  string `json:"pack_id"`
	Version string `json:"version"`
	Stats   Stats  `json:"stats"`
}

// ListAvailable lists packs in the content directory plus the embedded
// default, sorted by id.
func (r *Registry) ListAvailable() ([]PackListing, error) {
	ids := map[string]bool{DefaultPackID: true}
	if r.contentFS != nil {
		entries, err := fs.ReadDir(r.contentFS, ".")
		if err == nil {
			for _, e := range entries {
				if e.IsDir() {
					ids[e.Name()] = true
				}
			}
		}
	}

	out := make([]PackListing, 0, len(ids))
	for id := range ids {
		pack, err := r.Load(id, false)
		if err != nil {
			slog.Warn("Skipping unloadable pack", "pack_id", id, "error", err)
			continue
		}
		out = append(out, PackListing{PackID: id, Version: pack.Meta.Version, Stats: pack.Stats()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PackID < out[j].PackID })
	return out, nil
}

// Load returns a pack by id, reading it from disk on first use. force
// reloads even when cached.
func (r *Registry) Load(packID string, force bool) (*Pack, error) {
	if !force {
		r.mu.RLock()
		p, ok := r.packs[packID]
		r.mu.RUnlock()
		if ok {
			return p, nil
		}
	}

	p, err := r.loadFromSource(packID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.packs[packID] = p
	r.mu.Unlock()
	return p, nil
}

func (r *Registry) loadFromSource(packID string) (*Pack, error) {
	// Content directory takes priority so operators can override the
	// embedded default.
	if r.contentFS != nil {
		if _, err := fs.Stat(r.contentFS, packID); err == nil {
			return loadPack(r.contentFS, packID)
		}
	}
	if packID == DefaultPackID {
		sub, err := fs.Sub(embeddedContent, "content")
		if err != nil {
			return nil, fmt.Errorf("embedded content: %w", err)
		}
		return loadPack(sub, DefaultPackID)
	}
	return nil, fmt.Errorf("pack %q: %w", packID, storage.ErrNotFound)
}

// Bind binds a pack to a theatre. Idempotent: rebinding the same pack is a
// no-op. Readers holding the previously bound pack pointer finish safely.
func (r *Registry) Bind(theatreID, packID string) error {
	p, err := r.Load(packID, false)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.bindings[theatreID]; ok && cur.Meta.ID == packID {
		return nil
	}
	r.bindings[theatreID] = p
	slog.Info("Theme pack bound", "theatre_id", theatreID, "pack_id", packID)
	return nil
}

// RestoreBindings rebinds every theatre's persisted pack at startup so a
// restart does not silently fall back to the default pack. A theatre whose
// pack no longer loads keeps working on the auto-bound default; the skip is
// logged rather than failing boot.
func (r *Registry) RestoreBindings(ctx context.Context, store storage.TheatreStore) error {
	theatres, err := store.ListTheatres(ctx)
	if err != nil {
		return fmt.Errorf("restore pack bindings: %w", err)
	}
	for _, t := range theatres {
		if t.BoundThemePackID == "" {
			continue
		}
		if err := r.Bind(t.ID, t.BoundThemePackID); err != nil {
			slog.Warn("Skipping unrestorable pack binding",
				"theatre_id", t.ID, "pack_id", t.BoundThemePackID, "error", err)
		}
	}
	return nil
}

// GetForTheatre returns the pack bound to a theatre, auto-binding the
// default pack when none is bound.
func (r *Registry) GetForTheatre(theatreID string) (*Pack, error) {
	r.mu.RLock()
	p, ok := r.bindings[theatreID]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	if err := r.Bind(theatreID, DefaultPackID); err != nil {
		return nil, fmt.Errorf("auto-bind default pack: %w", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bindings[theatreID], nil
}
