package progress

import (
	"fmt"

	"github.com/danmuck/intentflow/internal/intent"
)

// Reduce applies a progress intent to l. Intents of any other kind leave l unchanged.
func Reduce(l Ledger, in intent.Intent) (Ledger, error) {
	if !intent.IsProgress(in.Kind) {
		return l, nil
	}
	p, err := payloadOf(in)
	if err != nil {
		return l, err
	}
	switch in.Kind {
	case intent.KindStartAction:
		return Start(l, p.Kind)
	case intent.KindEndAction:
		return End(l, p.Kind)
	case intent.KindFailAction:
		return Fail(l, p.Kind, p.Error)
	default:
		return Reset(l, p.Kind)
	}
}

// payloadOf accepts the typed payload and the decoded-JSON map form used by the admin surface.
// A map fail payload must carry a string "error"; without one it would read as a failure
// with no message rather than a completion.
func payloadOf(in intent.Intent) (intent.ProgressPayload, error) {
	switch v := in.Payload.(type) {
	case intent.ProgressPayload:
		return v, nil
	case *intent.ProgressPayload:
		if v != nil {
			return *v, nil
		}
	case map[string]any:
		kind, _ := v["kind"].(string)
		msg, ok := v["error"].(string)
		if in.Kind == intent.KindFailAction && !ok {
			return intent.ProgressPayload{}, fmt.Errorf("%w: %s missing error message", ErrInvalidEvent, in.Kind)
		}
		return intent.ProgressPayload{Kind: kind, Error: msg}, nil
	}
	return intent.ProgressPayload{}, fmt.Errorf("%w: %s missing operation kind", ErrInvalidEvent, in.Kind)
}
