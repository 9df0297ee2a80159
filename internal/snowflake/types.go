package snowflake

import "strings"

// Config holds Snowflake warehouse configuration for the event source
type Config struct {
	Account     string `yaml:"account"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	Database    string `yaml:"database"`
	Schema      string `yaml:"schema"`
	Warehouse   string `yaml:"warehouse"`
	Role        string `yaml:"role"`
	EventsTable string `yaml:"events_table"`
}

// ParseConnectionString extracts components from an ODBC-style connection
// string.
// Format: scheme=https;ACCOUNT=xxx;HOST=yyy;port=443;USER=zzz;PASSWORD=www;DB=aaa.bbb;WAREHOUSE=ccc;ROLE=ddd
func ParseConnectionString(connStr string) Config {
	parts := make(map[string]string)
	for _, kv := range strings.Split(connStr, ";") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		parts[strings.ToUpper(strings.TrimSpace(key))] = value
	}

	database, schema, _ := strings.Cut(parts["DB"], ".")
	return Config{
		Account:   parts["ACCOUNT"],
		User:      parts["USER"],
		Password:  parts["PASSWORD"],
		Database:  database,
		Schema:    schema,
		Warehouse: parts["WAREHOUSE"],
		Role:      parts["ROLE"],
	}
}
