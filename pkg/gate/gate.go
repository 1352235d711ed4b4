package gate

// Gate bundles the inflight registry and the worker lock table owned by one orchestrator.
type Gate struct {
	Inflight *Registry
	Workers  *WorkerLocks
}

// New creates a gate with empty tables.
func New() *Gate {
	return &Gate{Inflight: NewRegistry(), Workers: NewWorkerLocks()}
}
