// Package install reconstructs a build's files from its manifest.
//
// Plan turns a manifest (and optionally the manifest of the installed
// version) into an ordered list of writer steps plus the chunks to download.
// Each chunk is downloaded once into a slot of a shared memory segment and
// stays there until the writer has consumed its last use.
//
// Installer.Run executes a plan: it creates the segment, runs a pool of
// download workers feeding a single file writer, requeues failed downloads a
// bounded number of times, and records completed files in the resume store.
//
// Basic usage:
//
//	inst, err := install.New(m, old, install.Options{
//	    InstallDir: "/games/app",
//	    BaseURL:    "https://cdn.example.com/builds/app",
//	})
//	if err != nil {
//	    return err
//	}
//	if _, err := inst.Run(ctx); err != nil {
//	    return err
//	}
package install
