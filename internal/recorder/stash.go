// internal/recorder/stash.go
package recorder

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"termrewind/internal/tracker"
)

// preImages is a temporary on-disk stash of baseline file contents, taken
// before a recorded command runs. After detection it supplies the true
// pre-change bytes for destructive changes, which the live files no longer
// hold.
type preImages struct {
	dir   string
	files map[string]string // original path -> stashed copy
}

// stashBaseline copies every file in the baseline snapshot into a fresh
// temp directory. A file that cannot be copied is skipped; recording then
// falls back to detection-time bytes for it.
func stashBaseline(base tracker.Snapshot) *preImages {
	dir, err := os.MkdirTemp("", "termrewind-stash-")
	if err != nil {
		log.Printf("stash: cannot create temp dir: %v", err)
		return nil
	}

	pre := &preImages{dir: dir, files: make(map[string]string)}
	i := 0
	for key, entry := range base.Files {
		path := key
		if base.Root != "" {
			path = filepath.Join(base.Root, key)
		} else if entry.Hash == "" {
			// Watched file absent at baseline: nothing to preserve
			continue
		}

		stashed := filepath.Join(dir, fmt.Sprintf("%d_%s", i, filepath.Base(path)))
		if err := copyPreservingMtime(path, stashed); err != nil {
			log.Printf("stash: cannot copy %s: %v", path, err)
			continue
		}
		pre.files[path] = stashed
		i++
	}
	return pre
}

// lookup returns the stashed copy of an original path. Safe on nil.
func (p *preImages) lookup(path string) (string, bool) {
	if p == nil {
		return "", false
	}
	stashed, ok := p.files[path]
	return stashed, ok
}

// Close removes the stash directory. Safe on nil.
func (p *preImages) Close() {
	if p == nil {
		return
	}
	os.RemoveAll(p.dir)
}

func copyPreservingMtime(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
