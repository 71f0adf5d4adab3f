// internal/gitinfo/gitinfo.go
package gitinfo

import (
	"fmt"

	"github.com/go-git/go-git/v5"
)

// Context is the repository state a command ran in.
type Context struct {
	Branch string
	Commit string // short hash
	Dirty  bool
}

// Describe resolves the git context for a working directory. ok is false
// when the directory is not inside a repository or the repository state
// cannot be read; annotation is best-effort and never fails a recording.
func Describe(dir string) (Context, bool) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return Context{}, false
	}

	head, err := repo.Head()
	if err != nil {
		// Empty repository: no HEAD yet
		return Context{}, false
	}

	ctx := Context{Commit: head.Hash().String()[:7]}
	if head.Name().IsBranch() {
		ctx.Branch = head.Name().Short()
	}

	if worktree, err := repo.Worktree(); err == nil {
		if status, err := worktree.Status(); err == nil {
			ctx.Dirty = !status.IsClean()
		}
	}

	return ctx, true
}

// Tag renders the context as a command tag, e.g. "git:main@1a2b3c4" or
// "git:main@1a2b3c4+dirty".
func (c Context) Tag() string {
	name := c.Branch
	if name == "" {
		name = "detached"
	}
	tag := fmt.Sprintf("git:%s@%s", name, c.Commit)
	if c.Dirty {
		tag += "+dirty"
	}
	return tag
}
