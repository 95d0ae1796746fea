// Package native implements progcache.Backend on top of the gogpu stack:
// WGSL stages are compiled with naga to SPIR-V, turned into HAL shader
// modules and linked into render pipelines through a hal.Device.
//
// # Programs
//
// A linked Program owns its render pipeline, pipeline layout, bind group
// layouts, one uniform buffer per uniform binding and the bind groups that
// reference them. Uniform buffers are shadowed on the CPU and uploaded with
// hal.Queue.WriteBuffer on every SetUniform.
//
// Only uniform buffer bindings are supported. A stage that declares storage
// buffers, textures or samplers fails to compile with a reflect Diagnostic.
//
// # Binaries
//
// ProgramBinary returns a CBOR image of the program (toolchain, adapter,
// per-stage SPIR-V and reflection) compressed with zstd or LZ4. Restoring a
// binary checks that it was produced by the same toolchain for the same
// adapter before any GPU object is created, so a driver or compiler upgrade
// turns old entries into cache misses.
//
// # Drawing
//
// BindProgram records the active program. Encode sets its pipeline and bind
// groups on a render pass:
//
//	if err := prog.Use(); err != nil { ... }
//	if err := backend.Encode(pass); err != nil { ... }
//	pass.Draw(3, 1, 0, 0)
package native
