package cargoproto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/git-pkgs/registry-server/internal/domain"
)

func buildFrame(meta map[string]any, tarball []byte) []byte {
	metaBytes, _ := json.Marshal(meta)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(metaBytes)))
	buf.Write(metaBytes)
	binary.Write(&buf, binary.LittleEndian, uint32(len(tarball)))
	buf.Write(tarball)
	return buf.Bytes()
}

func TestParseValidFrame(t *testing.T) {
	frame := buildFrame(map[string]any{
		"name": "foo",
		"vers": "0.1.0",
		"deps": []any{},
	}, []byte("hello"))

	req, err := Parse(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Metadata.Name != "foo" {
		t.Errorf("name = %q, want foo", req.Metadata.Name)
	}
	if req.Metadata.Vers != "0.1.0" {
		t.Errorf("vers = %q, want 0.1.0", req.Metadata.Vers)
	}
	if string(req.Tarball) != "hello" {
		t.Errorf("tarball = %q, want hello", req.Tarball)
	}
}

func TestParseRejectsInvalidName(t *testing.T) {
	frame := buildFrame(map[string]any{
		"name": "99invalid",
		"vers": "0.1.0",
	}, []byte("x"))

	_, err := Parse(bytes.NewReader(frame))
	if domain.KindOf(err) != domain.KindInvalidMetadata {
		t.Fatalf("expected KindInvalidMetadata, got %v", err)
	}
}

func TestParseRejectsInvalidVersion(t *testing.T) {
	frame := buildFrame(map[string]any{
		"name": "foo",
		"vers": "not-a-version",
	}, []byte("x"))

	_, err := Parse(bytes.NewReader(frame))
	if domain.KindOf(err) != domain.KindInvalidMetadata {
		t.Fatalf("expected KindInvalidMetadata, got %v", err)
	}
}

func TestParseRejectsEmptyTarball(t *testing.T) {
	frame := buildFrame(map[string]any{
		"name": "foo",
		"vers": "0.1.0",
	}, nil)

	_, err := Parse(bytes.NewReader(frame))
	if domain.KindOf(err) != domain.KindBadRequest {
		t.Fatalf("expected KindBadRequest, got %v", err)
	}
}

func TestParseRejectsOversizedFrameLength(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(MaxFrameSize+1))

	_, err := Parse(&buf)
	if domain.KindOf(err) != domain.KindBadRequest {
		t.Fatalf("expected KindBadRequest, got %v", err)
	}
}

func TestValidateRegistryReferences(t *testing.T) {
	upstream := "https://example.com/other-index"
	m := &domain.Metadata{
		Deps: []domain.MetadataDependency{
			{Name: "a"},
			{Name: "b", Registry: &upstream},
		},
	}

	if err := ValidateRegistryReferences(m, map[string]bool{upstream: true}); err != nil {
		t.Errorf("expected allow-listed upstream to pass, got %v", err)
	}

	if err := ValidateRegistryReferences(m, map[string]bool{}); domain.KindOf(err) != domain.KindInvalidMetadata {
		t.Errorf("expected disallowed upstream to fail with KindInvalidMetadata, got %v", err)
	}
}
