package cache_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mdprovider/internal/cache"
	"mdprovider/pkg/market"
)

// go test -v --run TestInstrumentCacheRoundTrip
func TestInstrumentCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.json")

	in := map[string]market.InstrumentInfo{
		"cu2509": {
			Symbol:     "cu2509",
			Exchange:   "SHFE",
			Name:       "Copper 2509",
			PriceTick:  10,
			Multiplier: 5,
			IsTrading:  true,
		},
		"rb2510": {Symbol: "rb2510", Exchange: "SHFE", PriceTick: 1, Multiplier: 10},
	}

	if err := cache.SaveInstruments(path, in); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	// Temp file must not be left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left after atomic save")
	}

	out, err := cache.LoadInstruments(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("loaded %d instruments, want 2", len(out))
	}
	if out["cu2509"] != in["cu2509"] {
		t.Errorf("round trip mismatch: %+v", out["cu2509"])
	}
}

// go test -v --run TestInstrumentCacheMissingFile
func TestInstrumentCacheMissingFile(t *testing.T) {
	out, err := cache.LoadInstruments(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty map, got %d entries", len(out))
	}
}

// go test -v --run TestInstrumentCacheExpiry
func TestInstrumentCacheExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.json")

	// Write a snapshot stamped eight days in the past.
	stale := map[string]any{
		"update_time": time.Now().Add(-8 * 24 * time.Hour).Unix(),
		"instruments": map[string]market.InstrumentInfo{
			"cu2509": {Symbol: "cu2509"},
		},
	}
	raw, _ := json.Marshal(stale)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	out, err := cache.LoadInstruments(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("stale snapshot should be ignored, got %d entries", len(out))
	}
}
