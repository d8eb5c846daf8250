package multiboot

import (
	"errors"
	"testing"
)

func TestValidateAcceptsTheCorrectMagic(t *testing.T) {
	if err := Validate(Magic); err != nil {
		t.Fatalf("expected the correct magic to validate, got %v", err)
	}
}

func TestValidateRejectsAnyOtherValue(t *testing.T) {
	err := Validate(0)
	if err == nil {
		t.Fatal("expected an error for a zero magic")
	}
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}
