// Package bundle builds and reads the named-entry archives exchanged with
// sandboxes.
//
// A bundle is a tar stream, optionally gzip-compressed. Pack assembles the
// input files of a job (the serialized problem definition and the submitted
// source) into one buffer that can be copied into a sandbox atomically.
// Extract pulls a single named artifact back out of the archive a runtime
// returns when copying a path out of a sandbox.
//
// Usage:
//
//	data, err := bundle.Pack([]bundle.Entry{
//	    {Name: "tests.json", Content: specJSON},
//	    {Name: "Solution.java", Content: []byte(source)},
//	}, bundle.PackOptions{MaxEntrySize: 256 * 1024})
//
//	var out results
//	err = bundle.ExtractJSON(ctx, rc, "results.json", 1<<20, &out)
package bundle
