package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Store persists world snapshots. Load returns (nil, nil) when nothing has been
// saved, and an error matching ErrInvalid when the stored snapshot is unusable.
type Store interface {
	Load(ctx context.Context) (*WorldSnapshot, error)
	Save(ctx context.Context, s WorldSnapshot) error
}

const fileSuffix = ".snap.zst"

// FileStore keeps snapshots as <dir>/<tick>.snap.zst and loads the newest.
type FileStore struct {
	Dir string
	// Keep bounds how many files are retained after Save. Zero keeps all.
	Keep int
}

func (fs *FileStore) PathForTick(tick uint64) string {
	return filepath.Join(fs.Dir, fmt.Sprintf("%d%s", tick, fileSuffix))
}

func (fs *FileStore) Save(_ context.Context, s WorldSnapshot) error {
	if err := WriteFile(fs.PathForTick(s.World.Tick), s); err != nil {
		return err
	}
	if fs.Keep > 0 {
		return fs.prune()
	}
	return nil
}

func (fs *FileStore) Load(_ context.Context) (*WorldSnapshot, error) {
	ticks, err := fs.ticks()
	if err != nil {
		return nil, err
	}
	if len(ticks) == 0 {
		return nil, nil
	}
	s, err := ReadFile(fs.PathForTick(ticks[len(ticks)-1]))
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ticks lists saved ticks in ascending order.
func (fs *FileStore) ticks() ([]uint64, error) {
	entries, err := os.ReadDir(fs.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		t, err := strconv.ParseUint(strings.TrimSuffix(name, fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (fs *FileStore) prune() error {
	ticks, err := fs.ticks()
	if err != nil {
		return err
	}
	for len(ticks) > fs.Keep {
		if err := os.Remove(fs.PathForTick(ticks[0])); err != nil && !os.IsNotExist(err) {
			return err
		}
		ticks = ticks[1:]
	}
	return nil
}
