package state_machine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

// KVServiceType is the service type the key-value store is registered under
const KVServiceType = "kv"

var (
	ErrUnknownCommand   = errors.New("kv: unknown command")
	ErrMalformedCommand = errors.New("kv: malformed command")
)

// KVStateMachine is a simple key-value store.
// Commands are expected to be in the format: "SET key=value" or "DEL key", queries in the format "GET key".
type KVStateMachine struct {
	mu     sync.RWMutex
	store  map[string]string
	logger *zap.Logger
}

// NewKVStateMachine creates a new key-value state machine
func NewKVStateMachine(logger *zap.Logger) *KVStateMachine {
	return &KVStateMachine{
		store:  make(map[string]string),
		logger: logger.Named("kv"),
	}
}

// KVFactory returns the Factory registering the key-value store. The store takes no configuration.
func KVFactory(logger *zap.Logger) Factory {
	return func([]byte) (StateMachine, error) {
		return NewKVStateMachine(logger), nil
	}
}

func (kv *KVStateMachine) ExecuteCommand(commit *Commit) ([]byte, error) {
	op, args, err := parse(commit.Operation)
	if err != nil {
		return nil, err
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	switch op {
	case "SET":
		pair := strings.SplitN(args, "=", 2)
		if len(pair) != 2 || pair[0] == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedCommand, commit.Operation)
		}
		previous := kv.store[pair[0]]
		kv.store[pair[0]] = pair[1]
		kv.logger.Debug("Applied SET", zap.String("key", pair[0]), zap.Uint64("index", commit.Index))
		return []byte(previous), nil
	case "DEL":
		if args == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedCommand, commit.Operation)
		}
		previous, ok := kv.store[args]
		delete(kv.store, args)
		kv.logger.Debug("Applied DEL", zap.String("key", args), zap.Bool("existed", ok), zap.Uint64("index", commit.Index))
		return []byte(previous), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, op)
	}
}

func (kv *KVStateMachine) ExecuteQuery(commit *Commit) ([]byte, error) {
	op, args, err := parse(commit.Operation)
	if err != nil {
		return nil, err
	}
	if op != "GET" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, op)
	}
	value, ok := kv.Get(args)
	if !ok {
		return nil, nil
	}
	return []byte(value), nil
}

func parse(operation []byte) (string, string, error) {
	parts := strings.Fields(string(operation))
	switch len(parts) {
	case 0:
		return "", "", fmt.Errorf("%w: empty command", ErrMalformedCommand)
	case 1:
		return strings.ToUpper(parts[0]), "", nil
	default:
		return strings.ToUpper(parts[0]), parts[1], nil
	}
}

// Backup writes the pairs sorted by key so every member produces the same bytes
func (kv *KVStateMachine) Backup() ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	keys := make([]string, 0, len(kv.store))
	for k := range kv.store {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b []byte
	for _, k := range keys {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, k)
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, kv.store[k])
	}
	return b, nil
}

func (kv *KVStateMachine) Restore(data []byte) error {
	store := make(map[string]string)
	var key *string
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if typ != protowire.BytesType {
			return fmt.Errorf("kv: unexpected wire type %d", typ)
		}
		v, m := protowire.ConsumeString(data)
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]

		switch {
		case num == 1 && key == nil:
			key = &v
		case num == 2 && key != nil:
			store[*key] = v
			key = nil
		default:
			return fmt.Errorf("kv: unexpected field %d", num)
		}
	}
	if key != nil {
		return fmt.Errorf("kv: key %q without value", *key)
	}

	kv.mu.Lock()
	kv.store = store
	kv.mu.Unlock()
	return nil
}

func (kv *KVStateMachine) OnOpen(Session)   {}
func (kv *KVStateMachine) OnClose(Session)  {}
func (kv *KVStateMachine) OnExpire(Session) {}

// Get returns the value for a key
func (kv *KVStateMachine) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.store[key]
	return value, ok
}

// GetAll returns a copy of all key-value pairs
func (kv *KVStateMachine) GetAll() map[string]string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	result := make(map[string]string, len(kv.store))
	for k, v := range kv.store {
		result[k] = v
	}
	return result
}

var _ StateMachine = (*KVStateMachine)(nil)
