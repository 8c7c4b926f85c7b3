package fingerprint

import (
	"testing"
)

func TestHash(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty string", ""},
		{"simple string", "hello"},
		{"complex string", "threat:api_gateway:spoofing:token replay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash := Hash(tt.input)

			// SHA256 hash should be 64 hex characters
			if len(hash) != 64 {
				t.Errorf("Hash(%q) length = %d, want 64", tt.input, len(hash))
			}

			if hash != Hash(tt.input) {
				t.Errorf("Hash is not deterministic")
			}

			for _, c := range hash {
				if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
					t.Errorf("Hash contains non-hex character: %c", c)
				}
			}
		})
	}
}

func TestGenerateThreat_Normalization(t *testing.T) {
	a := GenerateThreat("api_gateway", "Spoofing", "Token  replay\nagainst the gateway")
	b := GenerateThreat(" API_Gateway ", "spoofing", "token replay against the gateway")
	if a != b {
		t.Errorf("case and whitespace should not change the fingerprint")
	}

	c := GenerateThreat("auth_service", "Spoofing", "token replay against the gateway")
	if a == c {
		t.Errorf("different components should produce different fingerprints")
	}
}

func TestGenerateImport_RowMatters(t *testing.T) {
	a := GenerateImport(0, "db", "Tampering", "SQL injection")
	b := GenerateImport(1, "db", "Tampering", "SQL injection")
	if a == b {
		t.Errorf("rows should be distinguished")
	}
}

func TestGenerate_TypesDoNotCollide(t *testing.T) {
	threat := Generate(Input{Type: TypeThreat, Description: "x"})
	query := Generate(Input{Type: TypeQuery, Description: "x"})
	if threat == query {
		t.Errorf("threat and query fingerprints should differ")
	}
	if GenerateQuery("JWT  bypass") != GenerateQuery("jwt bypass") {
		t.Errorf("query fingerprint should normalize text")
	}
}

func TestShort(t *testing.T) {
	if got := Short("abc"); got != "abc" {
		t.Errorf("Short() = %q", got)
	}
	if got := Short(Hash("x")); len(got) != 12 {
		t.Errorf("Short() length = %d, want 12", len(got))
	}
}
