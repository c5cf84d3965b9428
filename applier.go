package str

// LoggingApplier is a minimal Applier used by the demo daemon and by
// tests that don't care what "applying" a write-set means: applying
// the database side effects of a write-set is explicitly out of scope
// (spec.md §1), so this just logs what it was handed.
type LoggingApplier struct{}

func (LoggingApplier) Apply(writeset []byte) error {
	log.Debugf("applied write-set of %d bytes", len(writeset))
	return nil
}
