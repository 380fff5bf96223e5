package events

import "context"

// NoopPublisher discards events; it stands in when nats_url is empty.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, any) error { return nil }

func (*NoopPublisher) Close() error { return nil }
