package kvmbackend

import "errors"

// errUnsupportedFlagChange is returned by VM.SetGuestFlags: KVM has no
// ioctl to change an existing memory slot's flags in place, so this
// layer reports Unsupported rather than faking the semantics.
var errUnsupportedFlagChange = errors.New("kvmbackend: slot flags cannot be changed without unmap/remap")

// errUnsupportedDirtyQuery is returned by VM.QueryDirty/VM.ClearDirty
// until a slot-number-aware KVM_GET_DIRTY_LOG path is wired up (this
// layer currently allocates slots but does not track the
// gpamem.Region-to-slot-number mapping needed to address one).
var errUnsupportedDirtyQuery = errors.New("kvmbackend: dirty-log query requires slot tracking not yet wired")
