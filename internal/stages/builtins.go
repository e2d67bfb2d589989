// Package stages is the built-in stage library: detection, expansion,
// retrieval, generation, decomposition, recursion, context assembly,
// refinement, and synthesis.
package stages

import "github.com/haricheung/cascade/internal/stage"

// RegisterBuiltins wires every built-in stage into reg. teacherClient and
// studentClient are registry names of the model clients the generation
// stages bind to.
func RegisterBuiltins(reg *stage.Registry, teacherClient, studentClient string, denyPatterns []string) {
	reg.Register(NewDomainDetect())
	reg.Register(NewQueryExpand(studentClient))
	reg.Register(NewRetrieve())
	reg.Register(NewTeacherCall(teacherClient))
	reg.Register(NewStudentCall(studentClient))
	reg.Register(NewDecompose(studentClient))
	reg.Register(NewRecurse())
	reg.Register(NewContextAssembly())
	reg.Register(NewRefine(teacherClient))
	reg.Register(NewSynthesize(denyPatterns))
}
