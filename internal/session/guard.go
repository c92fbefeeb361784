package session

import (
	"context"
	"strings"
)

const DefaultHomePath = "/dashboard"

// Guard decides where a navigation to path should end up. It returns ""
// when the caller may stay on path.
func (m *Manager) Guard(ctx context.Context, path string) string {
	m.Hydrate(ctx)
	hasSession := m.IsAuthenticated()
	public := isPublicPath(path, m.loginPath)

	switch {
	case !hasSession && !public:
		return m.loginPath
	case hasSession && public:
		return DefaultHomePath
	case hasSession:
		if !m.EnsureSession(ctx) {
			return m.loginPath
		}
	}
	return ""
}

func isPublicPath(path, loginPath string) bool {
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}
	return path == loginPath
}
