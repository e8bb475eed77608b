package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/justinmoon/pocketide/internal/identity"
)

// AnonymousDir is the directory, relative to the root, shared by sessions
// without an identity. The leading dot keeps it out of the identifier space.
const AnonymousDir = ".anonymous"

// ErrOutsideRoot means a resolved path escaped the workspaces root.
var ErrOutsideRoot = errors.New("path outside workspaces root")

// SeedFile is a starter file written into a freshly created workspace.
type SeedFile struct {
	Name    string
	Content string
}

var DefaultSeeds = []SeedFile{
	{
		Name:    "welcome.txt",
		Content: "Welcome to your personal workspace!\nYour files are saved on the server and will persist between sessions.\n",
	},
	{
		Name: "README.md",
		Content: `# Welcome to Your Workspace!

This is your personal development environment.

## Getting Started

- Use the terminal to run commands
- Create and edit files in the editor
- Preview your web apps in the preview tab
- Use ` + "`git clone`" + ` to import projects

## Tips

- All your files are automatically saved
- Your workspace persists between sessions
`,
	},
}

// Resolver maps identities to directories under a single root.
type Resolver struct {
	root  string
	seeds []SeedFile
}

func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspaces root: %w", err)
	}
	return &Resolver{root: filepath.Clean(abs), seeds: DefaultSeeds}, nil
}

// WithSeeds replaces the starter files.
func (r *Resolver) WithSeeds(seeds []SeedFile) *Resolver {
	r.seeds = seeds
	return r
}

func (r *Resolver) Root() string { return r.root }

// Path computes the workspace directory for id without touching the disk.
func (r *Resolver) Path(id identity.Identity) (string, error) {
	var rel string
	switch v := id.(type) {
	case identity.Identified:
		if err := identity.ValidateID(v.UserID); err != nil {
			return "", err
		}
		if err := identity.ValidateID(v.WorkspaceID); err != nil {
			return "", err
		}
		rel = filepath.Join(v.UserID, v.WorkspaceID)
	case identity.Anonymous:
		rel = AnonymousDir
	default:
		return "", fmt.Errorf("unknown identity %T", id)
	}

	path := filepath.Join(r.root, rel)
	if !r.contains(path) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return path, nil
}

// Resolve returns the workspace directory for id, creating and seeding it
// on first use. Safe to call concurrently for the same id: exactly one
// caller creates the directory and seeds it.
func (r *Resolver) Resolve(id identity.Identity) (string, error) {
	path, err := r.Path(id)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace parent: %w", err)
	}

	err = os.Mkdir(path, 0755)
	switch {
	case err == nil:
		if err := r.seed(path); err != nil {
			return "", err
		}
	case errors.Is(err, os.ErrExist):
		info, statErr := os.Stat(path)
		if statErr != nil {
			return "", fmt.Errorf("failed to stat workspace: %w", statErr)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("workspace path %s is not a directory", path)
		}
	default:
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}

	return path, nil
}

func (r *Resolver) seed(dir string) error {
	for _, s := range r.seeds {
		f, err := os.OpenFile(filepath.Join(dir, s.Name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to seed %s: %w", s.Name, err)
		}
		_, werr := f.WriteString(s.Content)
		cerr := f.Close()
		if werr != nil {
			return fmt.Errorf("failed to seed %s: %w", s.Name, werr)
		}
		if cerr != nil {
			return fmt.Errorf("failed to seed %s: %w", s.Name, cerr)
		}
	}
	return nil
}

func (r *Resolver) contains(path string) bool {
	rel, err := filepath.Rel(r.root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
