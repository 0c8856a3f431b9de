package indexrepo

import (
	"bufio"
	"bytes"
	"encoding/json"

	"github.com/git-pkgs/registry-server/internal/domain"
)

func encodeLine(p domain.Package) ([]byte, error) {
	return json.Marshal(p)
}

// DecodeLines parses an index file's newline-delimited JSON into version
// entries, skipping blank trailing lines.
func DecodeLines(raw []byte) ([]domain.Package, error) {
	var pkgs []domain.Package
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var p domain.Package
		if err := json.Unmarshal(line, &p); err != nil {
			return nil, err
		}
		pkgs = append(pkgs, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pkgs, nil
}
