package entity

import (
	"testing"

	"github.com/adrian-moloca/dental-sub010/pkg/types"
)

func TestDefaultRegistryLookupByFullAndLeaf(t *testing.T) {
	reg := DefaultRegistry()

	a, ok := reg.Lookup("clinic.patient")
	if !ok {
		t.Fatal("expected clinic.patient to resolve")
	}
	if a.TableName() != "patients" {
		t.Fatalf("got table %q want patients", a.TableName())
	}

	b, ok := reg.Lookup("patient")
	if !ok {
		t.Fatal("expected leaf 'patient' to resolve")
	}
	if b.TableName() != "patients" {
		t.Fatalf("got table %q want patients", b.TableName())
	}
}

func TestLookupUnknownEntityFails(t *testing.T) {
	reg := DefaultRegistry()
	if _, ok := reg.Lookup("clinic.unknown"); ok {
		t.Fatal("expected unknown entity type to fail lookup")
	}
}

func TestPrimaryKeyExtraction(t *testing.T) {
	reg := DefaultRegistry()
	a, _ := reg.Lookup("clinic.patient")

	id, err := a.PrimaryKey(types.Data{"id": "p1", "name": "Jane"})
	if err != nil {
		t.Fatalf("PrimaryKey: %v", err)
	}
	if id != "p1" {
		t.Fatalf("got %q want p1", id)
	}
}

func TestPrimaryKeyMissingFieldErrors(t *testing.T) {
	reg := DefaultRegistry()
	a, _ := reg.Lookup("clinic.patient")

	if _, err := a.PrimaryKey(types.Data{"name": "Jane"}); err == nil {
		t.Fatal("expected error for missing primary key")
	}
}
