package config

import (
	"net"
	"net/url"
)

// PostgresDSN assembles a connection URL from POSTGRES_* variables. A full
// DATABASE_URL, when set, wins.
func PostgresDSN() string {
	if dsn := EnvOr("DATABASE_URL", ""); dsn != "" {
		return dsn
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(EnvOr("POSTGRES_USER", "conduit"), EnvOr("POSTGRES_PASSWORD", "changeme")),
		Host:     net.JoinHostPort(EnvOr("POSTGRES_HOST", "localhost"), EnvOr("POSTGRES_PORT", "5432")),
		Path:     EnvOr("POSTGRES_DB", "conduit"),
		RawQuery: url.Values{"sslmode": {EnvOr("POSTGRES_SSLMODE", "disable")}}.Encode(),
	}
	return u.String()
}
