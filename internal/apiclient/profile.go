package apiclient

import "strings"

// Profile is the per-session configuration of a Client. Tenant and
// super-admin sessions run the same algorithm with different endpoints.
type Profile struct {
	Name        string
	LoginPath   string
	RefreshPath string
	// PublicPrefixes are called without credentials and never refreshed.
	PublicPrefixes []string
}

var TenantProfile = Profile{
	Name:        "tenant",
	LoginPath:   "/auth/login",
	RefreshPath: "/auth/refresh",
	PublicPrefixes: []string{
		"/auth/login",
		"/auth/refresh",
		"/auth/register",
		"/public",
		"/uploads",
	},
}

var SuperAdminProfile = Profile{
	Name:        "superadmin",
	LoginPath:   "/super-admin/auth/login",
	RefreshPath: "/super-admin/auth/refresh",
	PublicPrefixes: []string{
		"/super-admin/auth/login",
		"/super-admin/auth/refresh",
		"/public",
	},
}

// IsPublic reports whether path matches one of the public prefixes, either
// exactly or followed by a path separator.
func (p Profile) IsPublic(path string) bool {
	path = cleanPath(path)
	for _, prefix := range p.PublicPrefixes {
		prefix = cleanPath(prefix)
		if prefix == "" || prefix == "/" {
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// IsRefresh reports whether path is the refresh endpoint itself.
func (p Profile) IsRefresh(path string) bool {
	return p.RefreshPath != "" && cleanPath(path) == cleanPath(p.RefreshPath)
}

func cleanPath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}
