// Package config loads the settings shared by the afspm processes.
//
// A Config starts from Defaults, then each file layer added to a Loader is
// decoded on top of it, then AFSPM_* environment variables override single
// keys. The file format follows the extension: .yaml/.yml, .toml or .json.
//
//	loader := config.NewLoader()
//	loader.AddLayer("afspm.yaml")
//	loader.AddLayer("site.toml") // overrides afspm.yaml key by key
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//	registry, err := cfg.Registry()
//
// Durations are written as strings ("500ms", "2s"). Cache histories name
// envelopes, so a single channel can keep more history than its siblings:
//
//	cache:
//	  histories:
//	    Scan2d: 4
//	    Scan2d_Phase: 10
//
// Load validates the result unless validation is disabled; see Config.Validate.
package config
