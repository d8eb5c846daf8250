package bootcfg

import "testing"

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected the default config to validate, got %v", err)
	}
}

func TestValidateRejectsNonPositiveTimeSlice(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeSliceTicks = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a non-positive time slice")
	}
}

func TestValidateRejectsUserProcessWithoutImage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Processes = []ProcessEntry{{Name: "shell", Kind: KindUser}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a user process missing an image")
	}
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Processes = []ProcessEntry{{Name: "x", Kind: "bogus"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an unknown process kind")
	}
}

func TestValidateAcceptsKernelProcessWithoutImage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Processes = []ProcessEntry{{Name: "init", Kind: KindKernel}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/manifest.yaml"); err == nil {
		t.Fatal("expected an error loading a nonexistent manifest")
	}
}
