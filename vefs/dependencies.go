package vefs

// dependencies is the fault-injection seam threaded through the sector
// device, grounded on contractmanager's dependencies.go: production code
// always uses productionDependencies{}, and tests substitute a struct that
// embeds it and overrides one method to force an otherwise-untriggerable
// error path (a torn write, a corrupt slot, an exhausted allocator).
type dependencies interface {
	// disrupt reports whether the named fault point should trigger. Every
	// call site that wants to be fault-injectable checks
	// "if d.disrupt(\"name\") { return errors.New(...) }" before doing the
	// real work, exactly as contractmanager's call sites check
	// cm.dependencies.disrupt(...).
	disrupt(name string) bool
}

// productionDependencies is the default dependencies implementation: no
// fault point ever triggers.
type productionDependencies struct{}

func (productionDependencies) disrupt(name string) bool {
	return false
}

// disruptGroup lets a test arm multiple named fault points on a single
// dependencies value without writing a new type for each combination.
type disruptGroup struct {
	productionDependencies
	armed map[string]bool
}

// newDisruptGroup returns a dependencies value that triggers exactly the
// named fault points.
func newDisruptGroup(names ...string) *disruptGroup {
	armed := make(map[string]bool, len(names))
	for _, n := range names {
		armed[n] = true
	}
	return &disruptGroup{armed: armed}
}

func (d *disruptGroup) disrupt(name string) bool {
	return d.armed[name]
}
