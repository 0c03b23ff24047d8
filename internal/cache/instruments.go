package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mdprovider/pkg/market"
)

// maxInstrumentAge is how old the on-disk instrument snapshot may be
// before it is ignored at startup.
const maxInstrumentAge = 7 * 24 * time.Hour

type instrumentFile struct {
	UpdateTime  int64                            `json:"update_time"`
	Instruments map[string]market.InstrumentInfo `json:"instruments"`
}

// LoadInstruments reads the durable instrument snapshot. A missing file
// or a snapshot older than seven days yields an empty map, not an error.
func LoadInstruments(path string) (map[string]market.InstrumentInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]market.InstrumentInfo{}, nil
		}
		return nil, fmt.Errorf("read instrument cache: %w", err)
	}

	var f instrumentFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode instrument cache: %w", err)
	}
	if time.Since(time.Unix(f.UpdateTime, 0)) > maxInstrumentAge {
		return map[string]market.InstrumentInfo{}, nil
	}
	if f.Instruments == nil {
		f.Instruments = map[string]market.InstrumentInfo{}
	}
	return f.Instruments, nil
}

// SaveInstruments writes the instrument snapshot atomically: to a temp
// file in the same directory, then rename.
func SaveInstruments(path string, instruments map[string]market.InstrumentInfo) error {
	if len(instruments) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create instrument cache dir: %w", err)
	}

	raw, err := json.MarshalIndent(instrumentFile{
		UpdateTime:  time.Now().Unix(),
		Instruments: instruments,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode instrument cache: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write instrument cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace instrument cache: %w", err)
	}
	return nil
}
