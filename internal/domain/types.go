// Package domain holds the types shared across the registry write path:
// index entries, publish metadata, users, and search results.
package domain

// DependencyKind mirrors Cargo's dependency kinds.
type DependencyKind string

const (
	KindNormal DependencyKind = "normal"
	KindBuild  DependencyKind = "build"
	KindDev    DependencyKind = "dev"
)

// Dependency is one dependency entry as it appears in an index line.
type Dependency struct {
	Name            string         `json:"name"`
	Req             string         `json:"req"`
	Features        []string       `json:"features,omitempty"`
	Optional        bool           `json:"optional"`
	DefaultFeatures bool           `json:"default_features"`
	Target          *string        `json:"target,omitempty"`
	Kind            DependencyKind `json:"kind,omitempty"`
	Registry        *string        `json:"registry,omitempty"`
	Package         *string        `json:"package,omitempty"`
}

// Package is one line of the git index: a single published version.
//
// Invariant: within the sequence of lines for a name, no two share Vers;
// Yanked is the only field ever mutated after the line is first written.
type Package struct {
	Name     string                `json:"name"`
	Vers     string                `json:"vers"`
	Deps     []Dependency          `json:"deps"`
	Cksum    string                `json:"cksum"`
	Features map[string][]string   `json:"features"`
	Yanked   bool                  `json:"yanked"`
	Links    string                `json:"links,omitempty"`
}

// Metadata is the publish-request JSON payload (the first frame of the
// publish body described in spec §4.5).
type Metadata struct {
	Name          string              `json:"name"`
	Vers          string              `json:"vers"`
	Deps          []MetadataDependency `json:"deps"`
	Features      map[string][]string `json:"features"`
	Authors       []string            `json:"authors"`
	Description   string              `json:"description"`
	Documentation string              `json:"documentation"`
	Homepage      string              `json:"homepage"`
	Readme        string              `json:"readme"`
	ReadmeFile    string              `json:"readme_file"`
	Keywords      []string            `json:"keywords"`
	Categories    []string            `json:"categories"`
	License       string              `json:"license"`
	LicenseFile   string              `json:"license_file"`
	Repository    string              `json:"repository"`
	Links         string              `json:"links"`
}

// MetadataDependency is the on-wire dependency shape inside a publish
// request. ExplicitNameInToml carries the caller-facing rename; Name
// always carries the original package name being depended on.
type MetadataDependency struct {
	Name               string   `json:"name"`
	VersionReq         string   `json:"version_req"`
	Features           []string `json:"features"`
	Optional           bool     `json:"optional"`
	DefaultFeatures    bool     `json:"default_features"`
	Target             *string  `json:"target"`
	Kind               string   `json:"kind"`
	Registry           *string  `json:"registry"`
	ExplicitNameInToml string   `json:"explicit_name_in_toml"`
}

// ToDependency projects a wire MetadataDependency onto the index-line
// Dependency shape, resolving the rename convention: if the manifest
// renamed the dependency, Name becomes the new name and Package records
// the original.
func (d MetadataDependency) ToDependency() Dependency {
	name := d.Name
	var pkg *string
	if d.ExplicitNameInToml != "" {
		name = d.ExplicitNameInToml
		original := d.Name
		pkg = &original
	}

	kind := DependencyKind(d.Kind)
	if kind == "" {
		kind = KindNormal
	}

	return Dependency{
		Name:            name,
		Req:             d.VersionReq,
		Features:        d.Features,
		Optional:        d.Optional,
		DefaultFeatures: d.DefaultFeatures,
		Target:          d.Target,
		Kind:            kind,
		Registry:        d.Registry,
		Package:         pkg,
	}
}

// ToPackage projects published metadata onto an index line, given the
// already-computed tarball checksum.
func (m *Metadata) ToPackage(cksum string) Package {
	deps := make([]Dependency, 0, len(m.Deps))
	for _, d := range m.Deps {
		deps = append(deps, d.ToDependency())
	}

	features := m.Features
	if features == nil {
		features = map[string][]string{}
	}

	return Package{
		Name:     m.Name,
		Vers:     m.Vers,
		Deps:     deps,
		Cksum:    cksum,
		Features: features,
		Yanked:   false,
		Links:    m.Links,
	}
}

// PackageDescriptor is the latest-published descriptive metadata for a
// name, kept alongside the index entries for search results. It is not
// part of the sparse index line.
type PackageDescriptor struct {
	Name        string   `json:"name"`
	MaxVersion  string   `json:"max_version"`
	Description string   `json:"description"`
	Authors     []string `json:"authors,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	License     string   `json:"license,omitempty"`
	Repository  string   `json:"repository,omitempty"`
}

// User is an authenticated principal.
type User struct {
	ID           uint64
	Login        string
	PasswordHash string
	TokenHash    string
}

// OwnerListEntry is one row of an owners-list response.
type OwnerListEntry struct {
	ID    uint64  `json:"id"`
	Login string  `json:"login"`
	Name  *string `json:"name"`
}

// SearchResult is one row of a search response.
type SearchResult struct {
	Name        string `json:"name"`
	MaxVersion  string `json:"max_version"`
	Description string `json:"description"`
}

// Warnings is the envelope crates.io's publish response carries.
type Warnings struct {
	InvalidCategories []string `json:"invalid_categories"`
	InvalidBadges     []string `json:"invalid_badges"`
	Other             []string `json:"other"`
}
