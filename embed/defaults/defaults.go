package defaults

import _ "embed"

// Config is the built-in configuration every project file is layered over.
//
//go:embed autocoder.yaml
var Config []byte
