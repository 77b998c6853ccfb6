package resources

import "embed"

//go:embed migrations default_settings.yml
var FS embed.FS
