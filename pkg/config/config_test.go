package config

import "testing"

func TestDefaultCapacitiesArePositive(t *testing.T) {
	cfg := Default()
	if cfg.DecodeCap <= 0 {
		t.Errorf("DecodeCap = %d, want > 0", cfg.DecodeCap)
	}
	if cfg.CaptureCap <= 0 {
		t.Errorf("CaptureCap = %d, want > 0", cfg.CaptureCap)
	}
	if cfg.CodeCap <= 0 {
		t.Errorf("CodeCap = %d, want > 0", cfg.CodeCap)
	}
	if cfg.MaxRecDepth <= 0 {
		t.Errorf("MaxRecDepth = %d, want > 0", cfg.MaxRecDepth)
	}
}

func TestZeroValueConfigIsConservative(t *testing.T) {
	var cfg Config
	if cfg.BranchesKnown || cfg.ForceUnknown || cfg.KeepLargeCallAddrs || cfg.ReturnOriginalOnFailure {
		t.Error("zero-value Config should default every bool to its conservative setting")
	}
	if cfg.ForceCapture != FCNone {
		t.Errorf("ForceCapture = %v, want FCNone", cfg.ForceCapture)
	}
}
