package policy

import "fmt"

// AllowTool adds a namespaced tool key ("serverId/toolName") to an
// origin's allowlist. The first entry for an origin switches that origin
// from unrestricted to allowlist-gated.
func (s *Store) AllowTool(origin, toolKey string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO tool_allowlist (origin, tool_key, created_at)
		VALUES (?, ?, datetime('now'))
	`, origin, toolKey)
	if err != nil {
		return fmt.Errorf("allowlist tool: %w", err)
	}
	return nil
}

// RemoveTool drops a tool from an origin's allowlist.
func (s *Store) RemoveTool(origin, toolKey string) error {
	_, err := s.db.Exec(
		`DELETE FROM tool_allowlist WHERE origin = ? AND tool_key = ?`, origin, toolKey)
	if err != nil {
		return fmt.Errorf("remove allowlisted tool: %w", err)
	}
	return nil
}

// ToolAllowed reports whether the origin may call the given tool key.
// An origin with no allowlist rows at all is unrestricted (the scope
// grant alone gates it); once any row exists, only listed keys pass.
func (s *Store) ToolAllowed(origin, toolKey string) (bool, error) {
	var total int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM tool_allowlist WHERE origin = ?`, origin).Scan(&total); err != nil {
		return false, fmt.Errorf("count allowlist: %w", err)
	}
	if total == 0 {
		return true, nil
	}

	var match int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM tool_allowlist WHERE origin = ? AND tool_key = ?`,
		origin, toolKey).Scan(&match); err != nil {
		return false, fmt.Errorf("check allowlist: %w", err)
	}
	return match > 0, nil
}
