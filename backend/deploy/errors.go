package deploy

import "fmt"

// BuildError reports a failed remote build of one of the server components.
type BuildError struct {
	// Component is the failing build: "llama.cpp", "ik_llama.cpp" or "llama-swap".
	Component string
	Err       error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("building %s: %v", e.Component, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }
