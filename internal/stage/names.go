package stage

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Name identifies a pipeline stage.
type Name string

const (
	Discover Name = "discover"
	Extract  Name = "extract"
	Align    Name = "align"
	Cluster  Name = "cluster"
	Dedupe   Name = "dedupe"
	Annotate Name = "annotate"
	Package  Name = "package"
)

// Order is the fixed dependency order. Each stage depends on its predecessor.
var Order = []Name{Discover, Extract, Align, Cluster, Dedupe, Annotate, Package}

// Upstream returns the stage this one consumes, if any.
func (n Name) Upstream() (Name, bool) {
	for i, name := range Order {
		if name == n && i > 0 {
			return Order[i-1], true
		}
	}
	return "", false
}

// Label renders the stage name for humans.
func (n Name) Label() string {
	return cases.Title(language.Und).String(strings.ReplaceAll(string(n), "_", " "))
}

// Names returns Order as strings.
func Names() []string {
	out := make([]string, len(Order))
	for i, n := range Order {
		out[i] = string(n)
	}
	return out
}
