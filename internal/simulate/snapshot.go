package simulate

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// LoadSQLite seeds the world model from a SQLite state snapshot file.
// The file must contain a world_state table with (target, key, value)
// rows; value is stored as JSON text and falls back to a raw string when
// it does not parse. Operators export these snapshots from the systems
// being gated so the simulator's pre-state matches reality.
func (s *Simulator) LoadSQLite(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("simulate: open state snapshot: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT target, key, value FROM world_state ORDER BY target, key`)
	if err != nil {
		return fmt.Errorf("simulate: query world_state: %w", err)
	}
	defer rows.Close()

	staged := make(map[string]map[string]any)
	count := 0
	for rows.Next() {
		var target, key, raw string
		if err := rows.Scan(&target, &key, &raw); err != nil {
			return fmt.Errorf("simulate: scan world_state row: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		if staged[target] == nil {
			staged[target] = make(map[string]any)
		}
		staged[target][key] = value
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("simulate: iterate world_state: %w", err)
	}

	for target, state := range staged {
		s.Seed(target, state)
	}
	s.logger.Info("simulate: world model loaded from snapshot",
		"path", path, "targets", len(staged), "keys", count)
	return nil
}
