package db

import (
	"net/url"
	"strings"
)

// dsnKeys are the libpq keywords the billing config produces.
var dsnKeys = map[string]bool{
	"host": true, "port": true, "user": true, "password": true,
	"dbname": true, "sslmode": true, "search_path": true, "connect_timeout": true,
}

func isURLDSN(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

// kvParam is one keyword=value pair in the order it was written.
type kvParam struct {
	key, value string
}

// parseKV splits a libpq keyword/value string. Values may be single-quoted
// with backslash escapes. ok is false when no known keyword is present.
func parseKV(s string) (params []kvParam, ok bool) {
	for i := 0; i < len(s); {
		for i < len(s) && s[i] == ' ' {
			i++
		}
		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			break
		}
		key := strings.ToLower(strings.TrimSpace(s[i : i+eq]))
		i += eq + 1
		var val strings.Builder
		if i < len(s) && s[i] == '\'' {
			for i++; i < len(s) && s[i] != '\''; i++ {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				val.WriteByte(s[i])
			}
			i++
		} else {
			for ; i < len(s) && s[i] != ' '; i++ {
				val.WriteByte(s[i])
			}
		}
		params = append(params, kvParam{key: key, value: val.String()})
		ok = ok || dsnKeys[key]
	}
	return params, ok
}

func formatKV(params []kvParam) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		v := p.value
		if v == "" || strings.ContainsAny(v, ` '\`) {
			v = "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
		}
		parts = append(parts, p.key+"="+v)
	}
	return strings.Join(parts, " ")
}

// NormalizeDSN cleans a DSN taken from the environment: surrounding quotes
// and extra spaces go, and a keyword DSN without sslmode gets sslmode=disable.
// URL DSNs and strings that are not keyword lists are returned as found.
func NormalizeDSN(raw string) string {
	s := strings.Trim(strings.TrimSpace(raw), `"'`)
	if s == "" || isURLDSN(s) {
		return s
	}
	params, ok := parseKV(strings.Join(strings.Fields(s), " "))
	if !ok {
		return s
	}
	hasSSL := false
	for _, p := range params {
		hasSSL = hasSSL || p.key == "sslmode"
	}
	if !hasSSL {
		params = append(params, kvParam{key: "sslmode", value: "disable"})
	}
	return formatKV(params)
}

// ToURLDSN converts a keyword DSN to the URL form golang-migrate requires.
// Without host, user and dbname the input is returned unchanged.
func ToURLDSN(dsn string) string {
	if dsn == "" || isURLDSN(dsn) {
		return dsn
	}
	params, _ := parseKV(dsn)
	m := make(map[string]string, len(params))
	for _, p := range params {
		m[p.key] = p.value
	}
	if m["host"] == "" || m["user"] == "" || m["dbname"] == "" {
		return dsn
	}
	u := &url.URL{Scheme: "postgres", Host: m["host"], Path: "/" + m["dbname"], User: url.User(m["user"])}
	if m["port"] != "" {
		u.Host += ":" + m["port"]
	}
	if m["password"] != "" {
		u.User = url.UserPassword(m["user"], m["password"])
	}
	q := url.Values{}
	for _, k := range []string{"sslmode", "search_path", "connect_timeout"} {
		if v, ok := m[k]; ok {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// maskDSN hides the password of either DSN form for logging.
func maskDSN(dsn string) string {
	if isURLDSN(dsn) {
		scheme := strings.Index(dsn, "://") + 3
		rest := dsn[scheme:]
		at := strings.IndexByte(rest, '@')
		if at < 0 {
			return dsn
		}
		colon := strings.IndexByte(rest[:at], ':')
		if colon < 0 {
			return dsn
		}
		return dsn[:scheme] + rest[:colon+1] + "***" + rest[at:]
	}
	params, ok := parseKV(dsn)
	if !ok {
		return dsn
	}
	for i := range params {
		if params[i].key == "password" {
			params[i].value = "***"
		}
	}
	return formatKV(params)
}
