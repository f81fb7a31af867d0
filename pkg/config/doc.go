// Package config defines the tracetap sidecar configuration and its
// file loading/saving.
//
// Configurations are plain JSON or YAML files; the format is detected from
// the file extension. Every load path validates the result, so a
// *SidecarConfiguration obtained from this package is safe to run with.
//
//	cfg, err := config.LoadFromFile("tracetap.yaml")
//	if err != nil { ... }
//	srv := engine.NewServer(cfg, app)
//
// DefaultSidecarConfiguration provides the starting point used by
// "tracetap init" and by callers that configure everything in code.
package config
