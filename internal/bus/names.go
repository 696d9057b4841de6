package bus

// Event names emitted by the sync engine.
const (
	EventStateChanged       = "store:state_changed"
	EventDependencyUpdate   = "store:dependency_update"
	EventOffline            = "sync:offline"
	EventOnline             = "sync:online"
	EventOperationSucceeded = "sync:operation_succeeded"
	EventOperationFailed    = "sync:operation_failed"
	EventQueueProcessed     = "sync:queue_processed"
	EventReconciliationDone = "sync:reconciliation_complete"
	EventManualReview       = "conflict:manual_review"
)
