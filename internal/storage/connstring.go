package storage

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// MySQLDSN builds a go-sql-driver/mysql DSN with the parameters the storage
// layer relies on: parseTime (so DATETIME columns scan into time.Time),
// multiStatements (for migrations), a charset, and a dial timeout. Honors
// the AGGR_DB_TIMEOUT env var for the dial timeout (default 10s).
func MySQLDSN(user, password, host string, port int, database string) string {
	user = strings.TrimSpace(user)
	host = strings.TrimSpace(host)
	database = strings.TrimSpace(database)
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 3306
	}

	timeout := 10 * time.Second
	if v := strings.TrimSpace(os.Getenv("AGGR_DB_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			timeout = d
		}
	}

	userinfo := user
	if password != "" {
		userinfo = fmt.Sprintf("%s:%s", user, password)
	}

	q := url.Values{}
	q.Set("parseTime", "true")
	q.Set("multiStatements", "true")
	q.Set("charset", "utf8mb4")
	q.Set("timeout", timeout.String())
	q.Set("loc", "UTC")

	return fmt.Sprintf("%s@tcp(%s:%d)/%s?%s", userinfo, host, port, database, q.Encode())
}

// ParseDSNOrDefault returns dsn unchanged if non-empty, else builds one from
// discrete parts. Callers pass config.Config.MySQLDSN first, falling back to
// the discrete fields only for local development convenience.
func ParseDSNOrDefault(dsn string, user, password, host string, port int, database string) string {
	if strings.TrimSpace(dsn) != "" {
		return dsn
	}
	return MySQLDSN(user, password, host, port, database)
}
