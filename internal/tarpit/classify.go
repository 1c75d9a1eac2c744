package tarpit

import "strings"

// The lists below are a blocklist of what vulnerability scanners probe for.
// They are a heuristic, not a security boundary: anything unmatched passes.
var (
	maliciousSuffixes = []string{
		".php", ".php3", ".php4", ".php5", ".php7", ".phtml",
		".asp", ".aspx", ".jsp", ".cgi", ".pl",
		".sql", ".sql.gz", ".sqlite", ".db",
		".zip", ".tar", ".tar.gz", ".tgz", ".rar", ".7z",
		".bak", ".backup", ".old", ".orig", ".swp", ".save",
		".env", ".ini", ".tfstate", ".tfvars", ".pem", ".key",
	}

	maliciousPrefixes = []string{
		"/wp-", "/wordpress", "/wp/", "/administrator",
		"/cgi-bin", "/cgi/", "/fcgi-bin",
		"/actuator", "/swagger", "/phpmyadmin",
		"/vendor/phpunit", "/manager/html",
		"/xmlrpc", "/_profiler", "/debug/pprof",
	}

	// maliciousSegments match only as a whole leading path segment, so
	// /pma matches /pma/ but not /pmarketing.
	maliciousSegments = []string{
		"/graphql", "/graphiql", "/playground",
		"/pma", "/myadmin", "/mysql", "/adminer",
		"/solr", "/telescope",
	}

	maliciousFragments = []string{
		"phpmyadmin", "phpinfo",
		"/.env", "/.git", "/.svn", "/.hg", "/.ds_store", "/.htaccess", "/.htpasswd",
		"/.aws/", "/.kube/", "/.ssh/", "/.docker/", "/.npmrc", "/.vscode/", "/.idea/",
		"credentials", "service-account", "serviceaccount", "firebase-adminsdk",
		"id_rsa", "id_ed25519", "/etc/passwd", "/proc/self",
		"dockerfile", "docker-compose", "terraform.", "/.terraform",
		"web.config", "wp-config", "config.json.bak", "/server-status",
	}
)

// IsMaliciousPath reports whether p looks like automated vulnerability
// scanning. Matching is case-insensitive.
func IsMaliciousPath(p string) bool {
	lp := strings.ToLower(p)
	for _, s := range maliciousSuffixes {
		if strings.HasSuffix(lp, s) {
			return true
		}
	}
	for _, s := range maliciousPrefixes {
		if strings.HasPrefix(lp, s) {
			return true
		}
	}
	for _, s := range maliciousSegments {
		if rest, ok := strings.CutPrefix(lp, s); ok && (rest == "" || rest[0] == '/') {
			return true
		}
	}
	for _, s := range maliciousFragments {
		if strings.Contains(lp, s) {
			return true
		}
	}
	return false
}
