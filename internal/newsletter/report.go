package newsletter

// FailureKind classifies a failed delivery to a single recipient.
type FailureKind string

const (
	// FailureBlocked: the recipient blocked the sender (or never started it).
	FailureBlocked FailureKind = "blocked"
	// FailureBadRequest: the transport rejected the request as malformed.
	FailureBadRequest FailureKind = "bad-request"
	// FailureUnexpected: any other transport or runtime error.
	FailureUnexpected FailureKind = "unexpected"
)

// Failure describes one failed delivery within a fan-out pass.
type Failure struct {
	RecipientID int64
	Kind        FailureKind
	Reason      string
}

// Report aggregates the outcome of one fan-out pass. It exists only for the
// duration of the pass: surfaced to the caller, optionally forwarded to the
// creator, then discarded. Invariant: Total == Success + Failed.
type Report struct {
	Total    int
	Success  int
	Failed   int
	Failures []Failure
}

func (r *Report) addSuccess() { r.Success++ }

func (r *Report) addFailure(f Failure) {
	r.Failed++
	r.Failures = append(r.Failures, f)
}

// RecordOutcome folds one delivery outcome into the report. A nil failure
// counts as success.
func (r *Report) RecordOutcome(f *Failure) {
	if f == nil {
		r.addSuccess()
		return
	}
	r.addFailure(*f)
}
