package abi

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRefString(t *testing.T) {
	r := RefString("hello")
	if r.Len() != 5 {
		t.Fatalf("Len = %d", r.Len())
	}
	if r.String() != "hello" {
		t.Fatalf("String = %q", r.String())
	}

	empty := RefString("")
	if empty.Data != nil || empty.Len() != 0 {
		t.Fatal("empty string should produce a nil view")
	}
}

func TestByteArrayRef_Copy(t *testing.T) {
	src := []byte("abc")
	r := Ref(src)
	cp := r.Copy()
	src[0] = 'x'

	if string(cp) != "abc" {
		t.Fatalf("copy aliased its source: %q", cp)
	}
	if Ref(nil).Copy() != nil {
		t.Fatal("copy of nil view should be nil")
	}
	if got := Ref([]byte{}).Copy(); got == nil || len(got) != 0 {
		t.Fatal("copy of empty view should be empty, not nil")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	md := map[string]string{
		"authorization":      "Bearer x",
		"temporal-namespace": "default",
	}
	blob := EncodeMetadata(md)
	if blob != "authorization\nBearer x\ntemporal-namespace\ndefault" {
		t.Fatalf("unexpected encoding %q", blob)
	}
	if diff := cmp.Diff(md, DecodeMetadata([]byte(blob))); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeMetadata_Edge(t *testing.T) {
	if DecodeMetadata(nil) != nil {
		t.Fatal("nil blob should decode to nil")
	}
	got := DecodeMetadata([]byte("a\n1\ndangling"))
	if diff := cmp.Diff(map[string]string{"a": "1"}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestParseRPCService(t *testing.T) {
	for _, s := range []RPCService{RPCServiceWorkflow, RPCServiceOperator, RPCServiceTest, RPCServiceHealth} {
		got, ok := ParseRPCService(s.String())
		if !ok || got != s {
			t.Fatalf("ParseRPCService(%q) = %v, %v", s.String(), got, ok)
		}
	}
	if _, ok := ParseRPCService("nope"); ok {
		t.Fatal("unknown service should not parse")
	}
}
