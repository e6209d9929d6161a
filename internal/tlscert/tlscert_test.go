package tlscert

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateSelfSignedWritesLoadableKeyPair(t *testing.T) {
	dir := t.TempDir()
	pair, err := GenerateSelfSigned(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if pair.CertPath != filepath.Join(dir, "server.crt") {
		t.Fatalf("unexpected cert path: %s", pair.CertPath)
	}
	if _, err := pair.LoadX509KeyPair(); err != nil {
		t.Fatalf("generated pair does not load: %v", err)
	}
}

func TestGenerateSelfSignedWithExtraHost(t *testing.T) {
	dir := t.TempDir()
	pair, err := GenerateSelfSigned(dir, "ttymux.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pair.LoadX509KeyPair(); err != nil {
		t.Fatalf("generated pair with extra host does not load: %v", err)
	}
}

func TestLoadOrGenerateReusesExistingPair(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrGenerate(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	firstStat, err := os.Stat(first.KeyPath)
	if err != nil {
		t.Fatal(err)
	}

	second, err := LoadOrGenerate(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	secondStat, err := os.Stat(second.KeyPath)
	if err != nil {
		t.Fatal(err)
	}
	if !firstStat.ModTime().Equal(secondStat.ModTime()) {
		t.Fatal("expected LoadOrGenerate to reuse the existing key file, not regenerate it")
	}
}
