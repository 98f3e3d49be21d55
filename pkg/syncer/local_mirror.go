package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/flowmesh/pkg/datasite"
)

// LocalMirror replicates shared datasite subtrees between participant roots
// on the same host. It enforces the same visibility contract a real sync
// daemon would: a file reaches a peer's root only when the governing
// permission descriptor grants that peer read access.
//
// Used by tests and the single-host demo topology.
type LocalMirror struct {
	members []Member
}

// Member is one participant root taking part in the mirror.
type Member struct {
	Layout datasite.Layout
}

func NewLocalMirror(members ...Member) *LocalMirror {
	return &LocalMirror{members: members}
}

// Sync copies every member's own shared subtree into every other member's
// root, subject to permission descriptors.
func (m *LocalMirror) Sync(_ context.Context) error {
	for _, source := range m.members {
		for _, dest := range m.members {
			if strings.EqualFold(source.Layout.Identity, dest.Layout.Identity) {
				continue
			}

			if err := m.replicate(source, dest); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *LocalMirror) replicate(source, dest Member) error {
	srcRoot := filepath.Join(source.Layout.DatasiteDir(source.Layout.Identity), "shared")
	destRoot := filepath.Join(dest.Layout.DatasiteDir(source.Layout.Identity), "shared")

	return filepath.WalkDir(srcRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if entry.IsDir() {
			return nil
		}

		if entry.Name() == datasite.DescriptorName {
			return nil
		}

		if !readable(filepath.Dir(path), entry.Name(), dest.Layout.Identity) {
			return nil
		}

		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}

		return copyFile(path, filepath.Join(destRoot, rel))
	})
}

// readable checks the descriptor in the file's own directory. Shared step
// directories and progress directories each carry their own descriptor;
// a directory without one is not replicated.
func readable(dir, name, identity string) bool {
	descriptor, err := datasite.ReadDescriptor(dir)
	if err != nil {
		return false
	}

	return descriptor.CanRead(identity, name)
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create mirror dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create mirror file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}

	return nil
}
