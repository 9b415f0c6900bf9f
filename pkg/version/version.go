// Package version reports the build identity baked into the binary.
package version

import (
	"runtime/debug"
	"sync"
)

// AppName prefixes version strings and user agents.
const AppName = "mindcanvas"

// commit may be injected at link time with
// -ldflags "-X .../pkg/version.commit=<sha>" for builds where VCS
// metadata is unavailable (container images, source tarballs).
var commit string

var full = sync.OnceValue(func() string {
	return AppName + "/" + resolveCommit()
})

func resolveCommit() string {
	c := commit
	if c == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, kv := range info.Settings {
				if kv.Key == "vcs.revision" {
					c = kv.Value
					break
				}
			}
		}
	}
	if c == "" {
		return "dev"
	}
	if len(c) > 8 {
		c = c[:8]
	}
	return c
}

// Full returns "mindcanvas/<commit>", suitable for user agents, health
// responses, and log lines.
func Full() string { return full() }
