package intent

// Progress intent kinds drive the progress ledger reducer.
const (
	KindStartAction = "@Progress/START_ACTION"
	KindEndAction   = "@Progress/END_ACTION"
	KindFailAction  = "@Progress/FAIL_ACTION"
	KindResetAction = "@Progress/RESET_ACTION"
)

// ProgressPayload names the operation kind a progress intent applies to.
type ProgressPayload struct {
	Kind  string `json:"kind"`
	Error string `json:"error,omitempty"`
}

func StartAction(kind string) Intent {
	return New(KindStartAction, ProgressPayload{Kind: kind})
}

func EndAction(kind string) Intent {
	return New(KindEndAction, ProgressPayload{Kind: kind})
}

func FailAction(kind, msg string) Intent {
	return New(KindFailAction, ProgressPayload{Kind: kind, Error: msg})
}

func ResetAction(kind string) Intent {
	return New(KindResetAction, ProgressPayload{Kind: kind})
}

// IsProgress reports whether kind is one of the ledger transition kinds.
func IsProgress(kind string) bool {
	switch kind {
	case KindStartAction, KindEndAction, KindFailAction, KindResetAction:
		return true
	}
	return false
}
