package progress

// Read returns the progress for kind.
//
// A nil ledger reads as the zero Progress (not in progress, no error). A kind that was
// never started or was reset reads as nil, which callers must treat as unknown.
func Read(l Ledger, kind string) *Progress {
	if l == nil {
		return &Progress{}
	}
	p, ok := l[kind]
	if !ok {
		return nil
	}
	return &p
}

// DidComplete reports an in-progress to finished-without-error transition.
func DidComplete(after, before *Progress) bool {
	if after == nil || before == nil {
		return false
	}
	return !after.InProgress && before.InProgress && after.Error == nil
}

// DidFail reports an in-progress to finished-with-error transition.
func DidFail(after, before *Progress) bool {
	if after == nil || before == nil {
		return false
	}
	return !after.InProgress && before.InProgress && after.Error != nil
}
