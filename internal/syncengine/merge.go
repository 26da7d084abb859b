package syncengine

import "github.com/kkkkikiki/voucher/internal/model"

// Decision is what reconciliation does with one remote observation
type Decision int

const (
	// DecisionNoop leaves both sides as they are
	DecisionNoop Decision = iota
	// DecisionAdoptRemote copies the remote terminal status onto the local row
	DecisionAdoptRemote
	// DecisionPushLocal sends the local terminal status to the remote ledger
	DecisionPushLocal
	// DecisionConflict records divergent terminal statuses and keeps the local one
	DecisionConflict
)

func (d Decision) String() string {
	switch d {
	case DecisionAdoptRemote:
		return "adopt_remote"
	case DecisionPushLocal:
		return "push_local"
	case DecisionConflict:
		return "conflict"
	}
	return "noop"
}

// MergeRule decides how a remote record relates to the local one. A
// terminal observation anywhere outranks an active one; two different
// terminal observations are a conflict.
func MergeRule(local, remote *model.Voucher) Decision {
	localTerminal := local.Status.IsTerminal()
	remoteTerminal := remote.Status.IsTerminal()

	switch {
	case localTerminal && remoteTerminal:
		if local.Status == remote.Status {
			return DecisionNoop
		}
		return DecisionConflict
	case remoteTerminal:
		return DecisionAdoptRemote
	case localTerminal:
		return DecisionPushLocal
	}
	return DecisionNoop
}
