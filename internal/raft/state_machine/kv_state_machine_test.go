package state_machine

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func command(index uint64, op string) *Commit {
	return &Commit{Index: index, Sequence: index, Operation: []byte(op)}
}

func TestNewKVStateMachine(t *testing.T) {
	sm := NewKVStateMachine(zap.NewNop())

	assert.NotNil(t, sm)
	assert.NotNil(t, sm.store)
	assert.Len(t, sm.store, 0)
}

func TestKVStateMachine_SET(t *testing.T) {
	sm := NewKVStateMachine(zap.NewNop())

	t.Run("applies SET command", func(t *testing.T) {
		previous, err := sm.ExecuteCommand(command(1, "SET key1=value1"))
		require.NoError(t, err)
		assert.Empty(t, previous)

		value, ok := sm.Get("key1")
		assert.True(t, ok)
		assert.Equal(t, "value1", value)
	})

	t.Run("overwrites existing key and returns the previous value", func(t *testing.T) {
		previous, err := sm.ExecuteCommand(command(2, "SET key1=new_value"))
		require.NoError(t, err)
		assert.Equal(t, "value1", string(previous))

		value, _ := sm.Get("key1")
		assert.Equal(t, "new_value", value)
	})

	t.Run("handles SET with equals sign in value", func(t *testing.T) {
		_, err := sm.ExecuteCommand(command(3, "SET key4=val=ue"))
		require.NoError(t, err)

		value, ok := sm.Get("key4")
		assert.True(t, ok)
		assert.Equal(t, "val=ue", value)
	})

	t.Run("handles lowercase commands", func(t *testing.T) {
		_, err := sm.ExecuteCommand(command(4, "set lower=case"))
		require.NoError(t, err)

		value, _ := sm.Get("lower")
		assert.Equal(t, "case", value)
	})
}

func TestKVStateMachine_DEL(t *testing.T) {
	sm := NewKVStateMachine(zap.NewNop())
	_, err := sm.ExecuteCommand(command(1, "SET key1=value1"))
	require.NoError(t, err)

	t.Run("deletes existing key", func(t *testing.T) {
		previous, err := sm.ExecuteCommand(command(2, "DEL key1"))
		require.NoError(t, err)
		assert.Equal(t, "value1", string(previous))

		_, ok := sm.Get("key1")
		assert.False(t, ok)
	})

	t.Run("handles delete of non-existent key", func(t *testing.T) {
		_, err := sm.ExecuteCommand(command(3, "DEL missing"))
		assert.NoError(t, err)
	})
}

func TestKVStateMachine_InvalidCommands(t *testing.T) {
	sm := NewKVStateMachine(zap.NewNop())

	t.Run("rejects empty command", func(t *testing.T) {
		_, err := sm.ExecuteCommand(command(1, ""))
		assert.ErrorIs(t, err, ErrMalformedCommand)
	})

	t.Run("rejects unknown command", func(t *testing.T) {
		_, err := sm.ExecuteCommand(command(2, "INCR counter"))
		assert.ErrorIs(t, err, ErrUnknownCommand)
	})

	t.Run("rejects malformed SET command", func(t *testing.T) {
		_, err := sm.ExecuteCommand(command(3, "SET novalue"))
		assert.ErrorIs(t, err, ErrMalformedCommand)
	})

	t.Run("rejects malformed DEL command", func(t *testing.T) {
		_, err := sm.ExecuteCommand(command(4, "DEL"))
		assert.ErrorIs(t, err, ErrMalformedCommand)
	})

	t.Run("rejects GET as a command", func(t *testing.T) {
		_, err := sm.ExecuteCommand(command(5, "GET key"))
		assert.ErrorIs(t, err, ErrUnknownCommand)
	})

	assert.Empty(t, sm.GetAll())
}

func TestKVStateMachine_Query(t *testing.T) {
	sm := NewKVStateMachine(zap.NewNop())
	_, err := sm.ExecuteCommand(command(1, "SET key=value"))
	require.NoError(t, err)

	t.Run("returns value for existing key", func(t *testing.T) {
		value, err := sm.ExecuteQuery(command(1, "GET key"))
		require.NoError(t, err)
		assert.Equal(t, "value", string(value))
	})

	t.Run("returns nil for missing key", func(t *testing.T) {
		value, err := sm.ExecuteQuery(command(1, "get missing"))
		require.NoError(t, err)
		assert.Nil(t, value)
	})

	t.Run("rejects writes", func(t *testing.T) {
		_, err := sm.ExecuteQuery(command(1, "SET key=other"))
		assert.ErrorIs(t, err, ErrUnknownCommand)

		value, _ := sm.Get("key")
		assert.Equal(t, "value", value)
	})
}

func TestKVStateMachine_BackupRestore(t *testing.T) {
	t.Run("restores the backed up pairs", func(t *testing.T) {
		sm := NewKVStateMachine(zap.NewNop())
		for i := 0; i < 10; i++ {
			_, err := sm.ExecuteCommand(command(uint64(i+1), fmt.Sprintf("SET key%d=value%d", i, i)))
			require.NoError(t, err)
		}
		_, err := sm.ExecuteCommand(command(11, "SET empty="))
		require.NoError(t, err)

		data, err := sm.Backup()
		require.NoError(t, err)

		restored := NewKVStateMachine(zap.NewNop())
		_, err = restored.ExecuteCommand(command(1, "SET stale=value"))
		require.NoError(t, err)
		require.NoError(t, restored.Restore(data))

		assert.Equal(t, sm.GetAll(), restored.GetAll())
		_, ok := restored.Get("stale")
		assert.False(t, ok)
	})

	t.Run("backup is deterministic", func(t *testing.T) {
		a := NewKVStateMachine(zap.NewNop())
		b := NewKVStateMachine(zap.NewNop())
		for _, op := range []string{"SET a=1", "SET b=2", "SET c=3"} {
			_, err := a.ExecuteCommand(command(1, op))
			require.NoError(t, err)
		}
		for _, op := range []string{"SET c=3", "SET a=1", "SET b=2"} {
			_, err := b.ExecuteCommand(command(1, op))
			require.NoError(t, err)
		}

		da, err := a.Backup()
		require.NoError(t, err)
		db, err := b.Backup()
		require.NoError(t, err)
		assert.Equal(t, da, db)
	})

	t.Run("restores an empty backup", func(t *testing.T) {
		sm := NewKVStateMachine(zap.NewNop())
		require.NoError(t, sm.Restore(nil))
		assert.Empty(t, sm.GetAll())
	})

	t.Run("rejects a truncated backup", func(t *testing.T) {
		sm := NewKVStateMachine(zap.NewNop())
		_, err := sm.ExecuteCommand(command(1, "SET key=value"))
		require.NoError(t, err)
		data, err := sm.Backup()
		require.NoError(t, err)

		restored := NewKVStateMachine(zap.NewNop())
		assert.Error(t, restored.Restore(data[:len(data)-2]))
	})
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	registry.Register(KVServiceType, KVFactory(zap.NewNop()))

	t.Run("creates registered types", func(t *testing.T) {
		sm, err := registry.New(KVServiceType, nil)
		require.NoError(t, err)
		assert.IsType(t, &KVStateMachine{}, sm)
	})

	t.Run("rejects unknown types", func(t *testing.T) {
		_, err := registry.New("counter", nil)
		assert.Error(t, err)
	})

	t.Run("lists types", func(t *testing.T) {
		assert.Equal(t, []string{KVServiceType}, registry.Types())
	})
}

func TestKVStateMachine_Concurrency(t *testing.T) {
	sm := NewKVStateMachine(zap.NewNop())
	_, err := sm.ExecuteCommand(command(1, "SET shared=initial"))
	require.NoError(t, err)

	t.Run("handles concurrent reads and writes", func(t *testing.T) {
		var wg sync.WaitGroup

		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				sm.Get("shared")
				sm.GetAll()
			}()
		}

		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				_, _ = sm.ExecuteCommand(command(uint64(1000+idx), "SET shared=updated"))
			}(i)
		}

		wg.Wait()

		value, ok := sm.Get("shared")
		assert.True(t, ok)
		assert.Equal(t, "updated", value)
	})
}
