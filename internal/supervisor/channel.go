package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidChannel = errors.New("supervisor: invalid channel")
	ErrClosed         = errors.New("supervisor: closed")
)

// ChannelKey identifies a subscription slot by its start kind and optional stop kind.
type ChannelKey struct {
	Start string
	Stop  string
}

func Single(start string) ChannelKey {
	return ChannelKey{Start: strings.TrimSpace(start)}
}

func Pair(start, stop string) ChannelKey {
	return ChannelKey{Start: strings.TrimSpace(start), Stop: strings.TrimSpace(stop)}
}

func (k ChannelKey) String() string {
	if k.Stop == "" {
		return k.Start
	}
	return k.Start + "|" + k.Stop
}

// Kinds returns the intent kinds routed to this channel.
func (k ChannelKey) Kinds() []string {
	if k.Stop == "" {
		return []string{k.Start}
	}
	return []string{k.Start, k.Stop}
}

func (k ChannelKey) Validate() error {
	if k.Start == "" {
		return fmt.Errorf("%w: missing start kind", ErrInvalidChannel)
	}
	if k.Stop == k.Start {
		return fmt.Errorf("%w: stop kind equals start kind %q", ErrInvalidChannel, k.Start)
	}
	return nil
}

// Emitter is handed to a source when it is bound.
type Emitter interface {
	// Emit queues one update. It returns false once the stream is closed; the
	// update is then discarded.
	Emit(update any) bool
	// End reports that the source closed itself. A non-nil err is a source failure.
	End(err error)
}

// Source is a running update producer.
type Source interface {
	Close() error
}

// SourceFunc adapts a close function to Source.
type SourceFunc func() error

func (f SourceFunc) Close() error {
	if f == nil {
		return nil
	}
	return f()
}

// Binder starts a source for one start intent payload. ctx is canceled when the
// stream is torn down. Binders run on the scheduler path and must not block.
type Binder func(ctx context.Context, emit Emitter, payload any) (Source, error)

// Handler consumes one update.
type Handler func(ctx context.Context, update any) error

// Consumer receives each update, either as a new intent or through a handler.
type Consumer struct {
	kind   string
	handle Handler
}

// ForwardAs re-emits every update as an intent of kind.
func ForwardAs(kind string) Consumer {
	return Consumer{kind: strings.TrimSpace(kind)}
}

// HandleWith invokes h for every update.
func HandleWith(h Handler) Consumer {
	return Consumer{handle: h}
}

// Kind returns the forward kind, or "" for handler consumers.
func (c Consumer) Kind() string {
	return c.kind
}

func (c Consumer) validate() error {
	if c.kind == "" && c.handle == nil {
		return fmt.Errorf("%w: consumer requires a kind or handler", ErrInvalidChannel)
	}
	return nil
}

// Channel is one supervised subscription registration.
type Channel struct {
	Key      ChannelKey
	Binder   Binder
	Consumer Consumer
	// Progress is the operation kind reported around stream opening; "" disables it.
	Progress string
}

type ChannelOption func(*Channel)

// WithProgress reports stream opening under kind.
func WithProgress(kind string) ChannelOption {
	return func(c *Channel) {
		c.Progress = strings.TrimSpace(kind)
	}
}

// WithoutProgress disables progress reporting.
func WithoutProgress() ChannelOption {
	return func(c *Channel) {
		c.Progress = ""
	}
}

// NewChannel builds a channel registration. Forwarding consumers report progress
// under their forward kind unless an option overrides it.
func NewChannel(key ChannelKey, binder Binder, consumer Consumer, opts ...ChannelOption) Channel {
	c := Channel{
		Key:      key,
		Binder:   binder,
		Consumer: consumer,
		Progress: consumer.kind,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c Channel) Validate() error {
	if err := c.Key.Validate(); err != nil {
		return err
	}
	if c.Binder == nil {
		return fmt.Errorf("%w: %s has no binder", ErrInvalidChannel, c.Key)
	}
	if err := c.Consumer.validate(); err != nil {
		return fmt.Errorf("%w (%s)", err, c.Key)
	}
	for _, kind := range c.Key.Kinds() {
		if c.Consumer.kind == kind {
			return fmt.Errorf("%w: %s forwards into its own control kind", ErrInvalidChannel, c.Key)
		}
	}
	return nil
}
