package source

import (
	"context"
	"fmt"
)

// ErrNotFound is returned when a source cannot resolve a skill name, or a
// requested version of it.
var ErrNotFound = fmt.Errorf("skill not found")

// Content is one skill's fetched definition.
type Content struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Text            string `json:"text"`
	DeclaredVersion string `json:"declared_version,omitempty"` // "" when the source declares none
}

// Source resolves skill names to instruction content. Fetch with an empty
// version returns the latest available; a non-empty version pins an exact
// one. List enumerates the names the source can currently serve.
type Source interface {
	Fetch(ctx context.Context, name, version string) (*Content, error)
	List(ctx context.Context) ([]string, error)
}

// Writer is implemented by sources that can store skill content.
type Writer interface {
	Save(ctx context.Context, c *Content) error
}
