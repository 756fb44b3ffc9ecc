package messaging

// Subject constants for the Switchboard message bus.
// Subjects follow the pattern {domain}.{resource}.{action}.
const (
	// SubjectEventsAccepted carries a notification for every newly accepted
	// inbound event (duplicates are never announced).
	SubjectEventsAccepted = "switchboard.events.accepted"

	// SubjectRoutesCompleted carries the outcome of every handoff attempt.
	SubjectRoutesCompleted = "switchboard.routes.completed"
)

// WorkerSubject returns the request/reply subject a registered worker
// listens on. Example: switchboard.workers.billing.handoff
func WorkerSubject(worker string) string {
	return "switchboard.workers." + worker + ".handoff"
}
