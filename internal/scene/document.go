package scene

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

type fieldID uint8

const (
	fieldName fieldID = iota + 1
	fieldCategory
	fieldPosition
	fieldRotation
	fieldScale
	fieldColor
	fieldModelRef
)

func (f fieldID) isVector() bool {
	switch f {
	case fieldPosition, fieldRotation, fieldScale:
		return true
	default:
		return false
	}
}

func (f fieldID) valid() bool {
	return f >= fieldName && f <= fieldModelRef
}

// writeStamp is the logical clock attached to every field write. Ties on the
// counter are broken by the actor identifier so that replicas agree on a
// single winner regardless of delivery order.
type writeStamp struct {
	Counter uint64
	Actor   string
}

func (s writeStamp) newerThan(other writeStamp) bool {
	if s.Counter != other.Counter {
		return s.Counter > other.Counter
	}
	return s.Actor > other.Actor
}

type fieldValue struct {
	str string
	vec Vec3
}

type fieldRegister struct {
	value fieldValue
	stamp writeStamp
}

type objectState struct {
	fields map[fieldID]fieldRegister
}

// UpdateListener is invoked after every mutation that changed document state.
type UpdateListener func()

// Document is the mergeable shared record of placed-object state for one
// scene. Every field of every object is a last-writer-wins register; deleting
// an object records a per-key delete stamp, and a field survives only when
// its own stamp is strictly newer than that delete stamp. Merge application
// is commutative and idempotent, so replicas converge no matter the relative
// delivery order of deltas.
type Document struct {
	mu        sync.RWMutex
	actor     string
	counter   uint64
	objects   map[string]*objectState
	deletions map[string]writeStamp
	listeners []UpdateListener
}

// NewDocument constructs an empty document. The actor identifier stamps local
// writes; when empty a random identifier is assigned.
func NewDocument(actorID string) *Document {
	if actorID == "" {
		actorID = uuid.NewString()
	}
	return &Document{
		actor:     actorID,
		objects:   make(map[string]*objectState),
		deletions: make(map[string]writeStamp),
	}
}

// OnUpdate registers a listener notified after each state-changing mutation.
func (d *Document) OnUpdate(listener UpdateListener) {
	if listener == nil {
		return
	}
	d.mu.Lock()
	d.listeners = append(d.listeners, listener)
	d.mu.Unlock()
}

// ApplyLocalChange applies a partial update to one object and returns the
// minimal binary delta describing it for relay to other replicas.
func (d *Document) ApplyLocalChange(objectID ObjectID, patch FieldPatch) ([]byte, error) {
	if objectID == "" {
		return nil, ErrInvalidObjectID
	}
	if patch.isEmpty() {
		return nil, ErrEmptyPatch
	}

	d.mu.Lock()
	d.counter++
	stamp := writeStamp{Counter: d.counter, Actor: d.actor}
	op := deltaOp{
		objectID: objectID.String(),
		fields:   patchRegisters(patch, stamp),
	}
	changed := d.applyOps([]deltaOp{op})
	delta := encodeOps(kindDelta, 0, []deltaOp{op})
	listeners := d.snapshotListeners()
	d.mu.Unlock()

	if changed {
		notify(listeners)
	}
	return delta, nil
}

// DeleteObject removes the object key and returns the binary delta for relay.
func (d *Document) DeleteObject(objectID ObjectID) ([]byte, error) {
	if objectID == "" {
		return nil, ErrInvalidObjectID
	}

	d.mu.Lock()
	d.counter++
	op := deltaOp{
		objectID: objectID.String(),
		remove:   true,
		stamp:    writeStamp{Counter: d.counter, Actor: d.actor},
	}
	changed := d.applyOps([]deltaOp{op})
	delta := encodeOps(kindDelta, 0, []deltaOp{op})
	listeners := d.snapshotListeners()
	d.mu.Unlock()

	if changed {
		notify(listeners)
	}
	return delta, nil
}

// ApplyRemoteDelta merges a delta produced by another replica. Re-applying a
// delta is a no-op, and deltas are never rejected for arriving out of order.
func (d *Document) ApplyRemoteDelta(delta []byte) error {
	kind, _, ops, err := decodeOps(delta)
	if err != nil {
		return err
	}
	if kind != kindDelta {
		return ErrMalformedDelta
	}

	d.mu.Lock()
	d.advanceCounter(ops)
	changed := d.applyOps(ops)
	listeners := d.snapshotListeners()
	d.mu.Unlock()

	if changed {
		notify(listeners)
	}
	return nil
}

// EncodeFullState produces the complete binary encoding of the document,
// including delete stamps, suitable for the initial transfer to a joining
// replica or for a durable snapshot.
func (d *Document) EncodeFullState() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ops := make([]deltaOp, 0, len(d.objects)+len(d.deletions))
	for _, objectID := range sortedKeys(d.objects) {
		state := d.objects[objectID]
		fields := make(map[fieldID]fieldRegister, len(state.fields))
		for id, register := range state.fields {
			fields[id] = register
		}
		ops = append(ops, deltaOp{objectID: objectID, fields: fields})
	}
	for _, objectID := range sortedStampKeys(d.deletions) {
		ops = append(ops, deltaOp{objectID: objectID, remove: true, stamp: d.deletions[objectID]})
	}
	return encodeOps(kindFull, d.counter, ops)
}

// DecodeFullState merges a full-state encoding into the document. On an empty
// document this reproduces the encoded state exactly; on a non-empty one it
// behaves as a merge, which makes snapshot restore and late full-state
// transfers the same operation.
func (d *Document) DecodeFullState(blob []byte) error {
	kind, counter, ops, err := decodeOps(blob)
	if err != nil {
		return err
	}
	if kind != kindFull {
		return ErrMalformedDelta
	}

	d.mu.Lock()
	if counter > d.counter {
		d.counter = counter
	}
	d.advanceCounter(ops)
	changed := d.applyOps(ops)
	listeners := d.snapshotListeners()
	d.mu.Unlock()

	if changed {
		notify(listeners)
	}
	return nil
}

// Objects returns the materialized object records currently visible.
func (d *Document) Objects() map[string]ObjectRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	records := make(map[string]ObjectRecord, len(d.objects))
	for objectID, state := range d.objects {
		records[objectID] = materialize(state)
	}
	return records
}

// applyOps merges the provided operations into document state. Callers must
// hold the write lock. Returns true when any register or delete stamp moved.
func (d *Document) applyOps(ops []deltaOp) bool {
	changed := false
	for _, op := range ops {
		if op.remove {
			if d.applyRemove(op.objectID, op.stamp) {
				changed = true
			}
			continue
		}
		if d.applySet(op.objectID, op.fields) {
			changed = true
		}
	}
	return changed
}

func (d *Document) applySet(objectID string, fields map[fieldID]fieldRegister) bool {
	deleteStamp, hasDelete := d.deletions[objectID]
	state := d.objects[objectID]
	changed := false

	for id, incoming := range fields {
		if hasDelete && !incoming.stamp.newerThan(deleteStamp) {
			continue
		}
		if state == nil {
			state = &objectState{fields: make(map[fieldID]fieldRegister)}
			d.objects[objectID] = state
		}
		existing, ok := state.fields[id]
		if ok && !incoming.stamp.newerThan(existing.stamp) {
			continue
		}
		state.fields[id] = incoming
		changed = true
	}
	return changed
}

func (d *Document) applyRemove(objectID string, stamp writeStamp) bool {
	existing, ok := d.deletions[objectID]
	if ok && !stamp.newerThan(existing) {
		return false
	}
	d.deletions[objectID] = stamp

	if state, present := d.objects[objectID]; present {
		for id, register := range state.fields {
			if !register.stamp.newerThan(stamp) {
				delete(state.fields, id)
			}
		}
		if len(state.fields) == 0 {
			delete(d.objects, objectID)
		}
	}
	return true
}

// advanceCounter applies the Lamport receive rule so that subsequent local
// writes are stamped newer than everything merged so far.
func (d *Document) advanceCounter(ops []deltaOp) {
	for _, op := range ops {
		if op.remove {
			if op.stamp.Counter > d.counter {
				d.counter = op.stamp.Counter
			}
			continue
		}
		for _, register := range op.fields {
			if register.stamp.Counter > d.counter {
				d.counter = register.stamp.Counter
			}
		}
	}
}

func (d *Document) snapshotListeners() []UpdateListener {
	if len(d.listeners) == 0 {
		return nil
	}
	listeners := make([]UpdateListener, len(d.listeners))
	copy(listeners, d.listeners)
	return listeners
}

func notify(listeners []UpdateListener) {
	for _, listener := range listeners {
		listener()
	}
}

func patchRegisters(patch FieldPatch, stamp writeStamp) map[fieldID]fieldRegister {
	fields := make(map[fieldID]fieldRegister)
	if patch.Name != nil {
		fields[fieldName] = fieldRegister{value: fieldValue{str: *patch.Name}, stamp: stamp}
	}
	if patch.Category != nil {
		fields[fieldCategory] = fieldRegister{value: fieldValue{str: *patch.Category}, stamp: stamp}
	}
	if patch.Position != nil {
		fields[fieldPosition] = fieldRegister{value: fieldValue{vec: *patch.Position}, stamp: stamp}
	}
	if patch.Rotation != nil {
		fields[fieldRotation] = fieldRegister{value: fieldValue{vec: *patch.Rotation}, stamp: stamp}
	}
	if patch.Scale != nil {
		fields[fieldScale] = fieldRegister{value: fieldValue{vec: *patch.Scale}, stamp: stamp}
	}
	if patch.Color != nil {
		fields[fieldColor] = fieldRegister{value: fieldValue{str: *patch.Color}, stamp: stamp}
	}
	if patch.ModelRef != nil {
		fields[fieldModelRef] = fieldRegister{value: fieldValue{str: *patch.ModelRef}, stamp: stamp}
	}
	return fields
}

func materialize(state *objectState) ObjectRecord {
	record := ObjectRecord{}
	for id, register := range state.fields {
		switch id {
		case fieldName:
			record.Name = register.value.str
		case fieldCategory:
			record.Category = register.value.str
		case fieldPosition:
			record.Position = register.value.vec
		case fieldRotation:
			record.Rotation = register.value.vec
		case fieldScale:
			record.Scale = register.value.vec
		case fieldColor:
			record.Color = register.value.str
		case fieldModelRef:
			record.ModelRef = register.value.str
		}
	}
	return record
}

func sortedKeys(objects map[string]*objectState) []string {
	keys := make([]string, 0, len(objects))
	for key := range objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedStampKeys(stamps map[string]writeStamp) []string {
	keys := make([]string, 0, len(stamps))
	for key := range stamps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
