package compress

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCompressor_ZSTD(t *testing.T) {
	compressor := NewCompressor(AlgorithmZSTD, LevelDefault)

	testData := []byte(strings.Repeat(`{"cveID":"CVE-2021-44228","knownRansomwareCampaignUse":"Known"}`, 50))

	compressed, err := compressor.Compress(testData)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if len(compressed) >= len(testData) {
		t.Errorf("repetitive data should shrink: %d >= %d", len(compressed), len(testData))
	}

	decompressed, err := compressor.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(testData, decompressed) {
		t.Errorf("Decompressed data doesn't match original")
	}
}

func TestCompressor_None(t *testing.T) {
	compressor := NewCompressor(AlgorithmNone, LevelDefault)
	data := []byte("plain")
	out, err := compressor.Compress(data)
	if err != nil || !bytes.Equal(out, data) {
		t.Errorf("none should pass data through, got %q, %v", out, err)
	}
}

func TestCompressor_Unsupported(t *testing.T) {
	if _, err := NewCompressor("lz4", LevelDefault).Compress([]byte("x")); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}

func TestAlgorithmForPath(t *testing.T) {
	tests := []struct {
		path string
		want Algorithm
	}{
		{"kev.json.zst", AlgorithmZSTD},
		{"KEV.JSON.ZSTD", AlgorithmZSTD},
		{"kev.json", AlgorithmNone},
	}
	for _, tt := range tests {
		if got := AlgorithmForPath(tt.path); got != tt.want {
			t.Errorf("AlgorithmForPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestWriteReadFile(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`{"vulnerabilities":[]}`)

	for _, name := range []string{"snap.json.zst", "snap.json"} {
		path := filepath.Join(dir, "nested", name)
		if err := WriteFile(path, data); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", name, err)
		}
		got, err := ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile(%s) error = %v", name, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%s: got %q", name, got)
		}
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "nested"))
	if len(entries) != 2 {
		t.Errorf("temp files should be cleaned up, found %d entries", len(entries))
	}
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0, 1.5, -2.25, 3.1415927}
	blob, err := EncodeVector(vec)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeVector(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(vec) {
		t.Fatalf("len = %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("vec[%d] = %v, want %v", i, got[i], vec[i])
		}
	}

	if _, err := DecodeVector([]byte("not zstd")); err == nil {
		t.Error("expected error for corrupt blob")
	}
}

func BenchmarkEncodeVector(b *testing.B) {
	vec := make([]float32, 384)
	for i := range vec {
		vec[i] = float32(i) / 384
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = EncodeVector(vec)
	}
}
