package migrate

import (
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
)

var sqlFileRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)

// ValidateDir checks the migration files in dir on disk.
func ValidateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("dir is required")
	}
	return Validate(os.DirFS(dir))
}

// Validate checks names, unique versions, goose section markers, and that
// every StatementBegin is closed before the next section starts.
func Validate(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	seen := map[string]string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			return fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name)
		}
		if prev, ok := seen[m[1]]; ok {
			return fmt.Errorf("duplicate migration version %s in %q and %q", m[1], prev, name)
		}
		seen[m[1]] = name

		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read %q: %w", name, err)
		}
		if err := checkSections(string(b)); err != nil {
			return fmt.Errorf("migration %q: %w", name, err)
		}
	}
	return nil
}

func checkSections(txt string) error {
	var up, down, open bool
	for _, line := range strings.Split(txt, "\n") {
		switch strings.TrimSpace(line) {
		case "-- +goose Up":
			if open {
				return fmt.Errorf("up section starts inside an open statement")
			}
			up = true
		case "-- +goose Down":
			if open {
				return fmt.Errorf("down section starts inside an open statement")
			}
			if !up {
				return fmt.Errorf("down section before up section")
			}
			down = true
		case "-- +goose StatementBegin":
			if open {
				return fmt.Errorf("nested StatementBegin")
			}
			open = true
		case "-- +goose StatementEnd":
			if !open {
				return fmt.Errorf("StatementEnd without StatementBegin")
			}
			open = false
		}
	}
	switch {
	case !up:
		return fmt.Errorf(`missing "-- +goose Up"`)
	case !down:
		return fmt.Errorf(`missing "-- +goose Down"`)
	case open:
		return fmt.Errorf("unterminated StatementBegin")
	}
	return nil
}
