// Package build carries version metadata stamped in at link time via
// -ldflags, and a YAML pretty-printer for it.
package build

import "gopkg.in/yaml.v3"

// Branch is the git branch this binary was built from.
var Branch string

// Sha is the git commit this binary was built from.
var Sha string

// Version is the release version this binary was built from.
var Version string

// Info is the structured form of the three link-time variables.
type Info struct {
	Branch  string `yaml:"branch,omitempty"`
	Sha     string `yaml:"sha,omitempty"`
	Version string `yaml:"version,omitempty"`
}

// PrintInfo renders the current build info as YAML.
func PrintInfo() string {
	info := Info{Branch, Sha, Version}
	out, err := yaml.Marshal(info)
	if err != nil {
		panic(err)
	}
	return string(out)
}
