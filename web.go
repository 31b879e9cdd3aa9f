// Package tokenhub holds the module-level assets shared across cmd/ and
// internal/: the embedded admin UI served by internal/httpapi at /admin.
package tokenhub

import "embed"

// WebFS embeds the admin dashboard's static assets. internal/httpapi/routes.go
// serves it under /admin and /_assets/.
//
//go:embed web
var WebFS embed.FS
