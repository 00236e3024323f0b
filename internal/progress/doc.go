// Package progress provides progress reporting for installs.
//
// The reporter prints a two-line status to its output at a fixed interval:
// bytes written against the install size with speed and ETA, and chunk and
// file counters.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    Label:       "MyApp 1.2.3",
//	    TotalBytes:  plan.WriteSize,
//	    TotalChunks: len(plan.Chunks),
//	    TotalFiles:  len(plan.Files),
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
// # Output Format
//
//	[vaultfetch] Installing: MyApp 1.2.3
//	[vaultfetch] Install size: 2.5 GiB | Download: 1.1 GiB | Chunks: 2210 | Workers: 16
//	[vaultfetch] Progress: 45.2% | 1.1 GiB / 2.5 GiB | Speed: 120 MiB/s | ETA: 12s
//	[vaultfetch] Chunks: 1002 done | 16 in-progress | 0 failed | Files: 310 / 702
package progress
