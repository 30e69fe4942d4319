package store

import "testing"

func TestReadOnlyQuery(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  bool
	}{
		{"select", "SELECT * FROM users", true},
		{"lowercase select", "select id from users where id = $1", true},
		{"with cte", "WITH recent AS (SELECT 1) SELECT * FROM recent", true},
		{"leading whitespace", "  \n\tSELECT 1", true},
		{"leading line comment", "-- note\nSELECT 1", true},
		{"leading block comment", "/* note */ SELECT 1", true},
		{"trailing semicolon", "SELECT 1;", true},
		{"update", "UPDATE users SET name = 'x'", false},
		{"insert", "INSERT INTO users (id) VALUES (1)", false},
		{"delete", "DELETE FROM users", false},
		{"drop", "DROP TABLE users", false},
		{"stacked statements", "SELECT 1; DROP TABLE users", false},
		{"stacked statements no space", "SELECT 1;DROP TABLE users", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := readOnlyQuery(c.query); got != c.want {
				t.Errorf("readOnlyQuery(%q) = %v, want %v", c.query, got, c.want)
			}
		})
	}
}
