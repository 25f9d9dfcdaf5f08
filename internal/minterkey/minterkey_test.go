package minterkey

import "testing"

func TestDerive_AllAbsentReturnsDefault(t *testing.T) {
	if got := Derive(Params{}); got != Default {
		t.Errorf("expected %q, got %q", Default, got)
	}
}

func TestDerive_OmitsAbsentFields(t *testing.T) {
	got := Derive(Params{Proxy: "http://a:1"})
	want := "proxy:http://a:1"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestDerive_Deterministic(t *testing.T) {
	p := Params{
		Proxy:                  "http://a:1",
		SourceAddress:          "1.2.3.4",
		DisableTLSVerification: true,
		DisableInnertube:       true,
	}
	first := Derive(p)
	for i := 0; i < 20; i++ {
		if got := Derive(p); got != first {
			t.Fatalf("derivation not stable across calls: %q vs %q", got, first)
		}
	}
}

func TestDerive_DistinctByProxy(t *testing.T) {
	a := Derive(Params{Proxy: "http://a:1"})
	b := Derive(Params{Proxy: "http://b:2"})
	if a == b {
		t.Errorf("expected distinct keys for distinct proxies, both were %q", a)
	}
	if a != "proxy:http://a:1" || b != "proxy:http://b:2" {
		t.Errorf("unexpected canonical forms: a=%q b=%q", a, b)
	}
}

func TestDerive_AllFieldsOrderedStably(t *testing.T) {
	p := Params{
		Proxy:                  "http://a:1",
		SourceAddress:          "1.2.3.4",
		DisableTLSVerification: true,
		DisableInnertube:       true,
	}
	want := "proxy:http://a:1|src:1.2.3.4|tls_insecure|no_innertube"
	if got := Derive(p); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
