package evidence

import (
	"context"
	"os"
	"path/filepath"

	"gitdone/internal/domain"
)

// Local writes evidence files into a directory on disk.
type Local struct {
	Dir string
}

func (l Local) Put(ctx context.Context, u Upload) (domain.FileRef, error) {
	if err := ctx.Err(); err != nil {
		return domain.FileRef{}, err
	}
	name, err := storedName(u.Name)
	if err != nil {
		return domain.FileRef{}, err
	}
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return domain.FileRef{}, err
	}
	if err := os.WriteFile(filepath.Join(l.Dir, name), u.Data, 0o644); err != nil {
		return domain.FileRef{}, err
	}
	return describe(name, u), nil
}
