package raft

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSenderContext(t *testing.T) {
	t.Run("sets and gets the sender", func(t *testing.T) {
		ctx := WithSender(context.Background(), "server-123")

		sender, ok := SenderFrom(ctx)
		assert.True(t, ok)
		assert.Equal(t, MemberID("server-123"), sender)
	})

	t.Run("returns false for missing sender", func(t *testing.T) {
		_, ok := SenderFrom(context.Background())
		assert.False(t, ok)
	})

	t.Run("inner value shadows the outer one", func(t *testing.T) {
		ctx := WithSender(context.Background(), "a")
		ctx = WithSender(ctx, "b")

		sender, _ := SenderFrom(ctx)
		assert.Equal(t, MemberID("b"), sender)
	})
}

func TestCtxKey(t *testing.T) {
	t.Run("keys with the same name and different types do not collide", func(t *testing.T) {
		termKey := NewCtxKey[uint64]("value")
		idKey := NewCtxKey[MemberID]("value")

		ctx := termKey.With(context.Background(), 10)
		ctx = idKey.With(ctx, "server-xyz")

		term, termOk := termKey.From(ctx)
		id, idOk := idKey.From(ctx)

		assert.True(t, termOk)
		assert.Equal(t, uint64(10), term)
		assert.True(t, idOk)
		assert.Equal(t, MemberID("server-xyz"), id)
	})

	t.Run("string names the key and its type", func(t *testing.T) {
		assert.Equal(t, "Key[uint64](term)", NewCtxKey[uint64]("term").String())
	})
}
