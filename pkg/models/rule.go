package models

// Rule is a named detection signature. The name is the identity; content is
// refreshed from the rules repository and matches are recorded per scan via
// the scan_rules join table.
type Rule struct {
	Name string `db:"name" json:"name"`
}
