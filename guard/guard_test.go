// WHAT: SSRF rejection for private targets, path traversal guards, and the
// bounded body reader.
// WHY: ingest fetches operator-supplied URLs; a loopback or RFC 1918 target
// would let a crafted article URL probe the internal network.
package guard

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateURLScheme(t *testing.T) {
	if err := ValidateURL("ftp://example.com/file"); !errors.Is(err, ErrUnsafeScheme) {
		t.Errorf("ftp scheme: err = %v, want ErrUnsafeScheme", err)
	}
	if err := ValidateURL("file:///etc/passwd"); !errors.Is(err, ErrUnsafeScheme) {
		t.Errorf("file scheme: err = %v, want ErrUnsafeScheme", err)
	}
}

func TestValidateURLPrivateTargets(t *testing.T) {
	private := []string{
		"http://127.0.0.1:8080/admin",
		"http://10.1.2.3/",
		"http://192.168.1.1/router",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/",
	}
	for _, raw := range private {
		if err := ValidateURL(raw); !errors.Is(err, ErrSSRF) {
			t.Errorf("%s: err = %v, want ErrSSRF", raw, err)
		}
	}
}

func TestValidateURLPublicLiteral(t *testing.T) {
	if err := ValidateURL("https://8.8.8.8/faq"); err != nil {
		t.Errorf("public literal IP rejected: %v", err)
	}
}

func TestValidateURLNoHost(t *testing.T) {
	if err := ValidateURL("http:///path-only"); err == nil {
		t.Error("hostless URL should be rejected")
	}
}

func TestSafePath(t *testing.T) {
	got, err := SafePath("/data/articles", "faq/shipping.md")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(got, "/data/articles/faq/shipping.md") {
		t.Errorf("SafePath = %q", got)
	}

	if _, err := SafePath("/data/articles", "../secrets.yaml"); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("traversal: err = %v, want ErrPathTraversal", err)
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("small body"), 64)
	if err != nil || string(data) != "small body" {
		t.Fatalf("LimitedReadAll = %q, %v", data, err)
	}

	if _, err := LimitedReadAll(strings.NewReader(strings.Repeat("x", 100)), 64); err == nil {
		t.Error("oversized body should error")
	}
}
