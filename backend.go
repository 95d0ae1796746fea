package progcache

// StageHandle is a compiled stage owned by a Backend.
// Handles are released with Backend.ReleaseStage.
type StageHandle interface {
	StageKind() StageKind
}

// ProgramHandle is a linked program owned by a Backend.
// Handles are released with Backend.ReleaseProgram.
type ProgramHandle any

// Backend is the platform layer the Cache drives. Its handles are opaque to
// the Cache, which lets the build state machine run against any graphics
// API or a test double.
//
// Errors from CompileStage and LinkProgram carry the compiler or linker
// diagnostics and are reported to the caller. Errors from RestoreProgram
// mean the stored binary was rejected and are never surfaced; the Cache
// rebuilds from source instead.
type Backend interface {
	// CompileStage compiles one stage from normalised source text.
	// A failed compile returns a nil handle.
	CompileStage(kind StageKind, source string) (StageHandle, error)

	// ReleaseStage destroys a compiled stage.
	ReleaseStage(StageHandle)

	// LinkProgram links exactly one handle per required stage kind.
	// It never releases its inputs.
	LinkProgram(stages []StageHandle) (ProgramHandle, error)

	// ReleaseProgram destroys a linked program.
	ReleaseProgram(ProgramHandle)

	// BinaryFormats lists the program binary formats the platform accepts.
	// An empty list disables binary caching.
	BinaryFormats() []uint32

	// ProgramBinary returns the platform binary of a linked program.
	ProgramBinary(ProgramHandle) (format uint32, payload []byte, err error)

	// RestoreProgram recreates a program from a binary returned earlier by
	// ProgramBinary, validating that it is usable on this platform.
	RestoreProgram(format uint32, payload []byte) (ProgramHandle, error)

	// BindProgram makes the program active for subsequent draws.
	BindProgram(ProgramHandle) error

	// UniformLocation resolves a named uniform, or returns -1 if the
	// program has no uniform with that name.
	UniformLocation(p ProgramHandle, name string) int

	// SetUniform writes raw little-endian data to a resolved location.
	SetUniform(p ProgramHandle, location int, data []byte) error
}
