package artifacts

import _ "embed"

// DefaultSettings is the settings template written by `rc2sync config init`
// and used as the base layer of every configuration.
//
//go:embed global/settings.yaml
var DefaultSettings []byte

// DefaultIgnore is the template for a working directory .syncignore file.
//
//go:embed global/syncignore
var DefaultIgnore []byte
