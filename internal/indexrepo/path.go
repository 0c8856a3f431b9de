package indexrepo

import (
	"strings"

	"github.com/git-pkgs/registry-server/internal/domain"
)

// PathFor derives a name's location in the index tree, following the
// crates.io sparse-index convention: 1 and 2 character names live under
// the 1/ and 2/ directories, 3 character names get a one-letter shard, and everything
// else shards on the first four characters, two-plus-two.
func PathFor(name string) string {
	lower := strings.ToLower(name)

	switch len(lower) {
	case 0:
		return name
	case 1:
		return "1/" + name
	case 2:
		return "2/" + name
	case 3:
		return "3/" + lower[:1] + "/" + name
	default:
		return lower[:2] + "/" + lower[2:4] + "/" + name
	}
}

// EncodeLines renders a name's version history as newline-delimited JSON,
// the on-disk shape of one index file.
func EncodeLines(pkgs []domain.Package) ([]byte, error) {
	var buf strings.Builder
	for _, p := range pkgs {
		raw, err := encodeLine(p)
		if err != nil {
			return nil, err
		}
		buf.Write(raw)
		buf.WriteByte('\n')
	}
	return []byte(buf.String()), nil
}
