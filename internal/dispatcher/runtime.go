package dispatcher

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/andyrt/andy/internal/ipc"
	"github.com/andyrt/andy/internal/sandbox"
)

// TaggingRuntime wraps a sandbox.Runtime so every instance it creates gets
// its own IPC slot directory under root, mounted into the instance before
// it starts. This resolves the otherwise-circular dependency between
// pool.Config.SpecFactory (called before a Member exists) and the IPC
// mount path a running instance needs to know at start time: the slot is
// created and bound into the spec right here, at Create time, rather than
// keyed off the pool's own member id (assigned only after Create returns).
type TaggingRuntime struct {
	inner   sandbox.Runtime
	ipcRoot string
}

// NewTaggingRuntime builds a TaggingRuntime over inner, rooting every
// instance's slot under ipcRoot.
func NewTaggingRuntime(inner sandbox.Runtime, ipcRoot string) *TaggingRuntime {
	return &TaggingRuntime{inner: inner, ipcRoot: ipcRoot}
}

// Create allocates a fresh slot, points spec.IPCMount at it, and delegates
// to the wrapped runtime.
func (t *TaggingRuntime) Create(ctx context.Context, spec sandbox.RuntimeSpec) (sandbox.Instance, error) {
	slot, err := ipc.NewSlot(t.ipcRoot, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("failed to create ipc slot: %w", err)
	}
	spec.IPCMount = slot.Root
	spec.Env = append(append([]string{}, spec.Env...), "ANDY_IPC_MOUNT="+slot.Root)

	inst, err := t.inner.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &taggedInstance{Instance: inst, Slot: slot}, nil
}

// Start unwraps a tagged instance and starts the underlying one.
func (t *TaggingRuntime) Start(ctx context.Context, inst sandbox.Instance) error {
	return t.inner.Start(ctx, unwrap(inst))
}

// Stop unwraps a tagged instance and stops the underlying one.
func (t *TaggingRuntime) Stop(ctx context.Context, inst sandbox.Instance) error {
	return t.inner.Stop(ctx, unwrap(inst))
}

// taggedInstance carries the IPC slot alongside the real sandbox.Instance;
// embedding promotes Wait/Stop/Stdout/Stderr/Pid/StartedAt unchanged.
type taggedInstance struct {
	sandbox.Instance
	Slot *ipc.Slot
}

func unwrap(inst sandbox.Instance) sandbox.Instance {
	if t, ok := inst.(*taggedInstance); ok {
		return t.Instance
	}
	return inst
}

// slotOf recovers the IPC slot bound to inst, if it was created through a
// TaggingRuntime.
func slotOf(inst sandbox.Instance) (*ipc.Slot, bool) {
	t, ok := inst.(*taggedInstance)
	if !ok {
		return nil, false
	}
	return t.Slot, true
}

// SlotOf is the exported form of slotOf, for callers outside this package
// (cmd/andy's pool.Config.ReadyCheck) that need to recover a tagged
// instance's IPC slot, e.g. to poll Slot.IsReady during warmup.
func SlotOf(inst sandbox.Instance) (*ipc.Slot, bool) {
	return slotOf(inst)
}
