package gateway

import "testing"

func TestParseAuthorityTCP(t *testing.T) {
	a, err := ParseAuthority("tcp:scpi@p1")
	if err != nil {
		t.Fatalf("ParseAuthority: %s", err)
	}
	if a.Scheme != SchemeTCP || a.Target != "scpi" || a.PlaceID != "p1" {
		t.Fatalf("unexpected authority: %+v", a)
	}
}

func TestParseAuthorityUSB(t *testing.T) {
	a, err := ParseAuthority("usb:1-2.3@p7")
	if err != nil {
		t.Fatalf("ParseAuthority: %s", err)
	}
	if a.Scheme != SchemeUSB || a.Target != "1-2.3" || a.PlaceID != "p7" {
		t.Fatalf("unexpected authority: %+v", a)
	}
}

func TestParseAuthorityMalformed(t *testing.T) {
	if _, err := ParseAuthority("bogus"); err == nil {
		t.Fatal("expected error for malformed authority")
	}
}

func TestTokenCacheVerifyAndForbidden(t *testing.T) {
	c := NewTokenCache()
	c.Add("p1", "tok1", "10.0.0.5")

	if !c.Verify("p1", "tok1", "10.0.0.5") {
		t.Fatal("expected token to verify from its registered IP")
	}
	if c.Verify("p1", "tok1", "10.0.0.6") {
		t.Fatal("expected token to fail verification from a different IP")
	}
	if !c.HasToken("p1", "tok1") {
		t.Fatal("HasToken should still see the token regardless of IP")
	}
	if c.HasToken("p1", "unknown") {
		t.Fatal("HasToken should not see an unregistered token")
	}

	c.Remove("p1")
	if c.HasToken("p1", "tok1") {
		t.Fatal("expected token removed after place returned")
	}
}
