package installer

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/privd/internal/eventstore"
	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

// Kind is the request kind.
type Kind string

const (
	KindInstall      Kind = "install"
	KindInstallSplit Kind = "install-split"
	KindDelete       Kind = "delete"
)

// File is one package file. Size is the size declared to the install session.
type File struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Request is an accepted unit of work. It is not modified after submission.
type Request struct {
	ID        string    `json:"id"`
	PackageID string    `json:"package_id"`
	Kind      Kind      `json:"kind"`
	Files     []File    `json:"files,omitempty"`
	Identity  string    `json:"identity"`
	Submitted time.Time `json:"submitted_at"`
}

// NewRequest builds a request with a fresh id. Files are named after their base name.
func NewRequest(kind Kind, packageID string, paths ...string) Request {
	files := make([]File, 0, len(paths))
	for _, p := range paths {
		files = append(files, File{Name: filepath.Base(p), Path: p})
	}
	return Request{
		ID:        uuid.NewString(),
		PackageID: packageID,
		Kind:      kind,
		Files:     files,
	}
}

var packageIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

// ValidatePackageID rejects ids that are not dotted identifiers; they end up in shell commands.
func ValidatePackageID(id string) error {
	if !packageIDPattern.MatchString(id) {
		return ferrors.ValidationError("invalid package id").WithContext("package_id", id).Build()
	}
	return nil
}

// validatePath rejects paths that cannot be safely double quoted for the remote shell.
func validatePath(p string) error {
	if p == "" || !filepath.IsAbs(p) {
		return ferrors.ValidationError("file path must be absolute").WithContext("path", p).Build()
	}
	if strings.ContainsAny(p, "\"`$\\\n") {
		return ferrors.ValidationError("file path contains shell metacharacters").WithContext("path", p).Build()
	}
	return nil
}

// prepare validates r and records each file's current size.
func prepare(r Request) (Request, error) {
	if err := ValidatePackageID(r.PackageID); err != nil {
		return r, err
	}
	switch r.Kind {
	case KindInstall, KindInstallSplit, KindDelete:
	default:
		return r, ferrors.ValidationError("unknown request kind").WithContext("kind", string(r.Kind)).Build()
	}
	if r.Kind == KindInstall && len(r.Files) > 1 {
		return r, ferrors.ValidationError("install takes a single file").Build()
	}

	files := make([]File, len(r.Files))
	for i, f := range r.Files {
		if err := validatePath(f.Path); err != nil {
			return r, err
		}
		info, err := os.Stat(f.Path)
		if err != nil {
			return r, ferrors.WrapError(err, ferrors.CategoryNotFound, "cannot read package file").
				WithContext("path", f.Path).Build()
		}
		if !info.Mode().IsRegular() {
			return r, ferrors.ValidationError("package file is not a regular file").WithContext("path", f.Path).Build()
		}
		if f.Name == "" {
			f.Name = filepath.Base(f.Path)
		}
		if strings.ContainsAny(f.Name, "\"`$\\\n") {
			return r, ferrors.ValidationError("file name contains shell metacharacters").WithContext("file", f.Name).Build()
		}
		f.Size = info.Size()
		files[i] = f
	}
	r.Files = files
	return r, nil
}

func (r Request) fileRefs() []eventstore.FileRef {
	refs := make([]eventstore.FileRef, 0, len(r.Files))
	for _, f := range r.Files {
		refs = append(refs, eventstore.FileRef{Name: f.Name, Size: f.Size})
	}
	return refs
}

func (r Request) totalSize() int64 {
	var total int64
	for _, f := range r.Files {
		total += f.Size
	}
	return total
}
