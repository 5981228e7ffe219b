package shared

// ReconRunLockKey builds the redis key guarding the single reconciliation run.
func ReconRunLockKey() string {
	return "billing:recon:run:lock"
}
