package identity

import (
	"net/url"
	"path"
	"strings"
)

// NormalizeRemote canonicalizes a Git remote URL to host/owner/repo so that
// SSH, HTTPS, scp-style and git:// clones of one hosted repository compare
// equal. Credentials, ports, a trailing ".git" and trailing slashes are
// dropped and the host is lowercased. Local paths become "file/<path>". The
// second result is false when the URL cannot be understood.
func NormalizeRemote(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	var host, repoPath string
	switch {
	case strings.Contains(raw, "://"):
		u, err := url.Parse(raw)
		if err != nil {
			return "", false
		}
		switch strings.ToLower(u.Scheme) {
		case "file":
			host, repoPath = "file", u.Path
		case "ssh", "git+ssh", "ssh+git", "https", "http", "git":
			host, repoPath = u.Hostname(), u.Path
		default:
			return "", false
		}
	case isSCPLike(raw):
		at := strings.LastIndex(raw[:strings.Index(raw, ":")], "@")
		rest := raw[at+1:]
		colon := strings.Index(rest, ":")
		host, repoPath = rest[:colon], rest[colon+1:]
	case strings.HasPrefix(raw, "/"):
		host, repoPath = "file", raw
	default:
		return "", false
	}

	host = strings.ToLower(strings.TrimSpace(host))
	repoPath = strings.Trim(path.Clean("/"+strings.TrimSpace(repoPath)), "/")
	repoPath = strings.TrimSuffix(repoPath, ".git")
	repoPath = strings.TrimRight(repoPath, "/")
	if host == "" || repoPath == "" || repoPath == "." {
		return "", false
	}
	return host + "/" + repoPath, true
}

// isSCPLike matches [user@]host:path where the colon comes before any slash.
func isSCPLike(raw string) bool {
	colon := strings.Index(raw, ":")
	if colon <= 0 {
		return false
	}
	slash := strings.Index(raw, "/")
	if slash >= 0 && slash < colon {
		return false
	}
	// a single letter before the colon is a Windows drive
	return colon > 1
}

// repoName returns the last path element of a normalized remote.
func repoName(normalized string) string {
	return path.Base(normalized)
}
