package netsafe

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr error
	}{
		{"https://pncp.gov.br/api/consulta", nil},
		{"http://203.0.113.7/contratacoes", nil},
		{"ftp://evil.example/data", ErrUnsafeScheme},
		{"javascript:alert(1)", ErrUnsafeScheme},
		{"http://127.0.0.1/admin", ErrSSRF},
		{"http://10.0.0.1/internal", ErrSSRF},
		{"http://192.168.1.1/api", ErrSSRF},
		{"http://[::1]/api", ErrSSRF},
		{"http://172.16.0.1/secret", ErrSSRF},
		{"http://169.254.169.254/latest/meta-data", ErrSSRF},
		{"http://[::ffff:10.0.0.1]/", ErrSSRF},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if tt.wantErr == nil && err != nil {
			t.Errorf("ValidateURL(%q) = %v, want nil", tt.url, err)
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Errorf("ValidateURL(%q) = %v, want %v", tt.url, err, tt.wantErr)
		}
	}
	if err := ValidateURL("https:///nohost"); err == nil {
		t.Error("expected error for missing host")
	}
}

func TestValidateIdentifier(t *testing.T) {
	for _, ok := range []string{"cli", "caller-42", "tenant_a.prod", strings.Repeat("a", MaxIdentifierLen)} {
		if err := ValidateIdentifier(ok); err != nil {
			t.Errorf("ValidateIdentifier(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "../etc/passwd", "has spaces", "é", strings.Repeat("a", MaxIdentifierLen+1)} {
		if err := ValidateIdentifier(bad); err == nil {
			t.Errorf("ValidateIdentifier(%q) accepted", bad)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data := strings.Repeat("x", 100)
	got, err := LimitedReadAll(strings.NewReader(data), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(got))
	}

	_, err = LimitedReadAll(strings.NewReader(data), 50)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestIsPrivate(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"172.32.0.1", false},
		{"192.168.0.1", true},
		{"100.64.0.1", true},
		{"0.0.0.0", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"::1", true},
		{"fd00::1", true},
		{"2001:4860:4860::8888", false},
	}
	for _, tt := range tests {
		if got := IsPrivate(netip.MustParseAddr(tt.ip)); got != tt.private {
			t.Errorf("IsPrivate(%s) = %v, want %v", tt.ip, got, tt.private)
		}
	}
}
