package block

// CompileError is one parse-time diagnostic produced while compiling a
// draft into a block tree, surfaced to a client as draft.errors (§7:
// "ProtocolParseError ... reported to the client as draft.errors; never
// reaches runtime"). Grounded on the original's DraftDiagnostic /
// DraftGenericError (original_source/host/pr1/fiber/parser.go,
// fiber/segment.py): a message plus the source ranges it applies to.
type CompileError struct {
	Message string
	Ranges  []Range
}

func (e CompileError) Error() string { return e.Message }

// Range is a half-open byte offset span into a draft's source text.
type Range struct {
	Start int
	End   int
}

// Parser is the external collaborator that compiles draft source text
// into a block tree (§6 "Block tree (parser -> core)"). The parser's own
// internals — grammar, attribute/type system — are out of scope (§1
// Non-goals); the core only depends on this narrow contract, and
// internal/frontend calls it when a client submits a draft.
type Parser interface {
	// Compile parses source into a block tree. A non-empty errs means
	// root is nil and the draft never reaches runtime.
	Compile(source string) (root Block, errs []CompileError)
}
