// Package progcache caches linked GPU programs across process runs.
//
// A program is built from a fixed set of stages (a vertex and a fragment
// stage by default). For each build the Cache fingerprints every stage's
// normalised source, and when nothing changed since the last successful
// build it restores the program from a stored binary without compiling or
// linking anything. Otherwise it compiles only the changed stages, links,
// stores the new binary and then commits the new fingerprints.
//
// # Quick Start
//
//	backend, err := native.New(device, queue, native.Options{})
//	if err != nil {
//	    return err
//	}
//	cache, err := progcache.New(backend, progcache.WithDir(".progcache"))
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
//
//	res, err := cache.Build(ctx, progcache.Request{
//	    Key: "sprite",
//	    Stages: []progcache.StageSource{
//	        {Kind: progcache.StageVertex, Path: "shaders/sprite.vert.wgsl"},
//	        {Kind: progcache.StageFragment, Path: "shaders/sprite.frag.wgsl"},
//	    },
//	})
//	if err != nil {
//	    return err // *BuildError; any previous cache entry is untouched
//	}
//	prog := res.Program
//	_ = prog.Use()
//	_ = prog.SetVec4("tint", 1, 1, 1, 1)
//
// # Build Paths
//
// Every Ready result records the path that produced it:
//   - PathTrustCache: all fingerprints matched and the stored binary was
//     accepted by the platform.
//   - PathRebuild: at least one stage changed or had no record.
//   - PathFallbackRebuild: fingerprints matched but the stored binary was
//     missing, corrupt, unsupported or rejected, so every stage was
//     recompiled.
//
// A link failure releases every stage handle, recompiles all stages from
// source and links once more. A second failure ends the build.
//
// # On-disk Layout
//
// Under the cache directory each key owns
//
//	<key>.bin             [format u32 LE][length u64 LE][payload]
//	<key>_<stage>.hash    32-byte fingerprint of the stage source
//	<key>.lock            advisory lock (Group with WithFileLock only)
//
// All files are replaced atomically. See packages binstore and fingerprint.
//
// # Concurrency
//
// A Cache is safe for concurrent use across distinct keys. Builds of the
// same key must be serialised by the caller; Group does this in-process and,
// with WithFileLock, across processes.
package progcache
