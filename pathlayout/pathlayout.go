// Package pathlayout resolves the four substrate subtrees this engine
// reads and writes — documents, rooms, snapshots, signaling — under
// either a flat or a workspace-nested layout.
package pathlayout

import "github.com/pkg/errors"

// Layout is a resolved set of the four root paths this engine needs.
type Layout struct {
	Documents string
	Rooms     string
	Snapshots string
	Signaling string
}

// FlatConfig supplies the four absolute paths verbatim.
type FlatConfig struct {
	Documents string
	Rooms     string
	Snapshots string
	Signaling string
}

// NestedConfig joins BasePath with DocID, then appends four fixed
// sub-names.
type NestedConfig struct {
	BasePath string
	DocID    string
}

// Config selects exactly one of Flat or Nested.
type Config struct {
	Flat   *FlatConfig
	Nested *NestedConfig
}

// DefaultFlat returns the flat layout's sensible defaults, scoped by
// docID. session.Config does not fall back to it: a Config whose Paths
// selects neither layout is rejected by Resolve.
func DefaultFlat(docID string) Config {
	return Config{Flat: &FlatConfig{
		Documents: "documents/" + docID,
		Rooms:     "rooms/" + docID,
		Snapshots: "snapshots/" + docID,
		Signaling: "signaling/" + docID,
	}}
}

// Resolve builds a Layout from cfg, failing clearly if the selected
// layout's required sub-config is absent.
func Resolve(cfg Config) (Layout, error) {
	switch {
	case cfg.Flat != nil:
		f := cfg.Flat
		if f.Documents == "" || f.Rooms == "" || f.Snapshots == "" || f.Signaling == "" {
			return Layout{}, errors.New("pathlayout: flat layout requires Documents, Rooms, Snapshots and Signaling")
		}
		return Layout{Documents: f.Documents, Rooms: f.Rooms, Snapshots: f.Snapshots, Signaling: f.Signaling}, nil
	case cfg.Nested != nil:
		n := cfg.Nested
		if n.BasePath == "" || n.DocID == "" {
			return Layout{}, errors.New("pathlayout: nested layout requires BasePath and DocID")
		}
		base := n.BasePath + "/" + n.DocID
		return Layout{
			Documents: base + "/documents",
			Rooms:     base + "/rooms",
			Snapshots: base + "/snapshots",
			Signaling: base + "/signaling",
		}, nil
	default:
		return Layout{}, errors.New("pathlayout: config selects neither Flat nor Nested")
	}
}
