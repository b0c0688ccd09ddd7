package s3

import (
	"context"
	"testing"
)

func TestSplitAddress(t *testing.T) {
	bucket, key, err := splitAddress("my-bucket/path/to/object.txt")
	if err != nil {
		t.Fatalf("splitAddress: %v", err)
	}
	if bucket != "my-bucket" || key != "path/to/object.txt" {
		t.Errorf("got (%q, %q)", bucket, key)
	}
}

func TestSplitAddressRejectsMissingKey(t *testing.T) {
	if _, _, err := splitAddress("just-a-bucket"); err == nil {
		t.Fatal("expected error for address with no key component")
	}
}

func TestSplitAddressRejectsEmptyBucket(t *testing.T) {
	if _, _, err := splitAddress("/key-only"); err == nil {
		t.Fatal("expected error for address with empty bucket")
	}
}

func TestQueryRejectsUnsupportedPredicate(t *testing.T) {
	d := &Driver{maxConcurrencyFallback: 16}
	_, err := d.Query(context.Background(), "bucket", map[string]string{"owner": "root"})
	if err == nil {
		t.Fatal("expected UnsupportedPredicate error")
	}
}

func TestMaxConcurrencyDefault(t *testing.T) {
	d := &Driver{maxConcurrencyFallback: 32}
	if d.MaxConcurrencyDefault() != 32 {
		t.Errorf("expected 32, got %d", d.MaxConcurrencyDefault())
	}
}

