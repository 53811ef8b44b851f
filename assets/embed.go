// Package assets bundles static files shipped with the bot.
package assets

import _ "embed"

// FallbackImage is the calendar image sent when every remote source fails
// and no cached copy survives.
//
//go:embed fallback.jpg
var FallbackImage []byte
