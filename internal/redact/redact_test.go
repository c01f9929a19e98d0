package redact

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestRedactorReplacesSecrets(t *testing.T) {
	r := New("ak-12345", "as-secretvalue")
	got := r.String("deploy failed for ak-12345 using as-secretvalue")
	if strings.Contains(got, "ak-12345") || strings.Contains(got, "as-secretvalue") {
		t.Errorf("secret leaked: %q", got)
	}
	if strings.Count(got, Placeholder) != 2 {
		t.Errorf("got %q, want two placeholders", got)
	}
}

func TestRedactorLongestFirst(t *testing.T) {
	r := New("abcd", "abcdefgh")
	got := r.String("token=abcdefgh")
	if got != "token="+Placeholder {
		t.Errorf("got %q, want %q", got, "token="+Placeholder)
	}
}

func TestRedactorIgnoresShortValues(t *testing.T) {
	r := New("", "ab")
	if got := r.String("abc"); got != "abc" {
		t.Errorf("got %q, want unchanged", got)
	}
}

func TestNilRedactor(t *testing.T) {
	var r *Redactor
	if got := r.String("plain"); got != "plain" {
		t.Errorf("got %q", got)
	}
}

func TestDetailTruncates(t *testing.T) {
	r := New("secret-token")
	long := strings.Repeat("x", MaxDetailLen+10) + "secret-token"
	got := r.Detail(long)
	if strings.Contains(got, "secret-token") {
		t.Error("secret leaked through Detail")
	}
	if !strings.Contains(got, "truncated") {
		t.Errorf("expected truncation marker, got %d bytes", len(got))
	}
}

func TestTruncateShort(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate = %q", got)
	}
}

func TestAddDeduplicates(t *testing.T) {
	r := New("repeated-secret")
	r.Add("repeated-secret", "another-secret")
	if len(r.secrets) != 2 {
		t.Errorf("len(secrets) = %d, want 2", len(r.secrets))
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; a cut at 4 would land inside the second one.
	got := Truncate("abcééé", 4)
	if !utf8.ValidString(got) {
		t.Fatalf("Truncate produced invalid UTF-8: %q", got)
	}
	if !strings.HasPrefix(got, "abc...") {
		t.Errorf("Truncate = %q, want prefix %q", got, "abc...")
	}
}

func TestDetailRedactsBeforeCutting(t *testing.T) {
	const secret = "sk-SUPERSECRETTOKENVALUE-0123456789"
	r := New(secret)
	got := r.Detail(strings.Repeat("x", MaxDetailLen-10) + secret)
	if strings.Contains(got, "sk-SUPER") {
		t.Errorf("secret prefix survived: %q", got[len(got)-80:])
	}
}
