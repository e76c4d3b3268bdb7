package txlife

import (
	"errors"
	"fmt"
	"sync"

	"ledgerview/internal/domain"
)

// ErrHashConflict reports a transaction hash that is already bound to another record.
var ErrHashConflict = errors.New("hash already bound to another record")

type KeyKind int

const (
	TempKey KeyKind = iota
	HashKey
)

func (k KeyKind) String() string {
	if k == HashKey {
		return "hash"
	}
	return "temp"
}

// Key locates a transaction record: by its temporary key until broadcast, by hash after.
type Key struct {
	Kind  KeyKind
	Value string
}

func Temp(v string) Key { return Key{Kind: TempKey, Value: v} }
func Hash(v string) Key { return Key{Kind: HashKey, Value: v} }

func (k Key) String() string { return k.Kind.String() + ":" + k.Value }

// PendingVerifier is returned by the pre-broadcast hook: the claim and the verifier type,
// by name, that should move to PENDING once the transaction is broadcast.
type PendingVerifier struct {
	Claim            domain.ClaimKey
	VerifierTypeName string
}

// Callbacks are supplied by whoever enriches a transaction. Every field is optional.
type Callbacks struct {
	TransactionCompleted func(domain.Receipt)
	TransactionFailed    func(message string)
	// MarkVerifierPending runs inside the tracker mailbox and must not call the tracker.
	MarkVerifierPending func() (PendingVerifier, bool)
}

func (c Callbacks) Names() []domain.CallbackName {
	var names []domain.CallbackName
	if c.TransactionCompleted != nil {
		names = append(names, domain.CallbackTransactionCompleted)
	}
	if c.TransactionFailed != nil {
		names = append(names, domain.CallbackTransactionFailed)
	}
	if c.MarkVerifierPending != nil {
		names = append(names, domain.CallbackMarkVerifierPending)
	}
	return names
}

type binding struct {
	callbacks Callbacks
	fired     map[domain.CallbackName]bool
}

// Registry correlates keys with record IDs and holds the callbacks of each record.
// Temporary keys stay bound after Rekey so a failure can still be reported by temp key.
type Registry struct {
	mu       sync.Mutex
	byTemp   map[string]string
	byHash   map[string]string
	bindings map[string]*binding
}

func NewRegistry() *Registry {
	return &Registry{
		byTemp:   map[string]string{},
		byHash:   map[string]string{},
		bindings: map[string]*binding{},
	}
}

func (r *Registry) Bind(tempKey, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byTemp[tempKey]; ok && existing != recordID {
		return fmt.Errorf("temp key %s already bound to %s", tempKey, existing)
	}
	r.byTemp[tempKey] = recordID
	return nil
}

// Rekey adds the hash as a second key for the record bound to tempKey.
func (r *Registry) Rekey(tempKey, txHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.rekeyTarget(tempKey, txHash)
	if err != nil {
		return err
	}
	r.byHash[txHash] = id
	return nil
}

// CheckRekey reports the error Rekey would return, without binding anything.
func (r *Registry) CheckRekey(tempKey, txHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.rekeyTarget(tempKey, txHash)
	return err
}

func (r *Registry) rekeyTarget(tempKey, txHash string) (string, error) {
	id, ok := r.byTemp[tempKey]
	if !ok {
		return "", &CorrelationMissError{Signal: "rekey", Key: Temp(tempKey)}
	}
	if existing, ok := r.byHash[txHash]; ok && existing != id {
		return "", fmt.Errorf("%w: %s is bound to %s", ErrHashConflict, txHash, existing)
	}
	return id, nil
}

func (r *Registry) Resolve(k Key) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var id string
	var ok bool
	if k.Kind == HashKey {
		id, ok = r.byHash[k.Value]
	} else {
		id, ok = r.byTemp[k.Value]
	}
	return id, ok
}

// Find returns the first record in txs carrying k. Keys are unique by construction.
func Find(txs []domain.TransactionRecord, k Key) (int, domain.TransactionRecord, bool) {
	for i, tx := range txs {
		if (k.Kind == HashKey && tx.TxHash == k.Value) || (k.Kind == TempKey && tx.TempKey == k.Value) {
			return i, tx, true
		}
	}
	return -1, domain.TransactionRecord{}, false
}

func (r *Registry) Attach(recordID string, cbs Callbacks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[recordID] = &binding{callbacks: cbs, fired: map[domain.CallbackName]bool{}}
}

// take marks name as fired and returns the binding's callbacks. It reports false when
// the callback is absent or already fired.
func (r *Registry) take(recordID string, name domain.CallbackName) (Callbacks, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[recordID]
	if !ok || b.fired[name] {
		return Callbacks{}, false
	}
	var present bool
	switch name {
	case domain.CallbackTransactionCompleted:
		present = b.callbacks.TransactionCompleted != nil
	case domain.CallbackTransactionFailed:
		present = b.callbacks.TransactionFailed != nil
	}
	if !present {
		return Callbacks{}, false
	}
	b.fired[name] = true
	return b.callbacks, true
}

// Fire invokes one of the terminal callbacks at most once per record. A missing callback
// is a no-op. arg is a domain.Receipt for transactionCompleted and a string for
// transactionFailed. Fire reports whether the callback ran.
func (r *Registry) Fire(recordID string, name domain.CallbackName, arg any) bool {
	cbs, ok := r.take(recordID, name)
	if !ok {
		return false
	}
	switch name {
	case domain.CallbackTransactionCompleted:
		receipt, _ := arg.(domain.Receipt)
		cbs.TransactionCompleted(receipt)
	case domain.CallbackTransactionFailed:
		msg, _ := arg.(string)
		cbs.TransactionFailed(msg)
	}
	return true
}

// Hook runs the pre-broadcast hook of recordID unless it already took effect. It does
// not mark the hook as fired; MarkHooked does that once the broadcast is committed.
func (r *Registry) Hook(recordID string) (PendingVerifier, bool) {
	r.mu.Lock()
	b, ok := r.bindings[recordID]
	if !ok || b.fired[domain.CallbackMarkVerifierPending] || b.callbacks.MarkVerifierPending == nil {
		r.mu.Unlock()
		return PendingVerifier{}, false
	}
	hook := b.callbacks.MarkVerifierPending
	r.mu.Unlock()
	return hook()
}

func (r *Registry) MarkHooked(recordID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bindings[recordID]; ok {
		b.fired[domain.CallbackMarkVerifierPending] = true
	}
}
