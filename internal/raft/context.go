package raft

import (
	"context"
	"fmt"
)

// CtxKey is a context key carrying a value of type T. Keys of different types never collide, even with the same
// name. See https://adithayyil.tech/posts/go-type-safe-contexts/
type CtxKey[T any] struct {
	name string
}

// NewCtxKey creates a typed context key
func NewCtxKey[T any](name string) CtxKey[T] {
	return CtxKey[T]{name: name}
}

func (k CtxKey[T]) String() string {
	return fmt.Sprintf("Key[%T](%s)", *new(T), k.name)
}

// With returns a copy of ctx carrying value
func (k CtxKey[T]) With(ctx context.Context, value T) context.Context {
	return context.WithValue(ctx, k, value)
}

// From returns the value carried by ctx
func (k CtxKey[T]) From(ctx context.Context) (T, bool) {
	value, ok := ctx.Value(k).(T)
	return value, ok
}

var senderKey = NewCtxKey[MemberID]("sender")

// WithSender marks ctx as a request sent by member
func WithSender(ctx context.Context, member MemberID) context.Context {
	return senderKey.With(ctx, member)
}

// SenderFrom returns the member that sent the request carried by ctx
func SenderFrom(ctx context.Context) (MemberID, bool) {
	return senderKey.From(ctx)
}
