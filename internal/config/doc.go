// Package config defines configuration structures for the vaultfetch CLI.
//
// Configuration is layered, later sources overriding earlier ones:
//   - Defaults
//   - YAML configuration file
//   - Environment variables (VAULTFETCH_ prefix)
//   - Command-line flags
//
// # Structure
//
//	type Config struct {
//	    Manifest        string
//	    BaseURL         string
//	    InstallDir      string
//	    Workers         int
//	    MaxSharedMemory int64
//	    Download        DownloadConfig
//	    Install         InstallConfig
//	    ...
//	}
package config
