package datarecording

import (
	"github.com/sarchlab/addrspace"
	"github.com/sarchlab/addrspace/hooking"
)

// OpTableName is the table that an OpTracer writes into.
const OpTableName = "allocator_ops"

// An OpEntry is one row in the allocator operation table.
type OpEntry struct {
	Seq       uint64
	Allocator string
	Op        string
	Base      uint64
	Size      uint64
	OK        bool
}

// An OpTracer is a hook that records every allocator operation into a
// DataRecorder. Register it on an allocator with AcceptHook.
type OpTracer struct {
	recorder DataRecorder
	seq      uint64
}

// NewOpTracer creates an OpTracer that writes into the given recorder. The
// operation table is created immediately.
func NewOpTracer(recorder DataRecorder) *OpTracer {
	t := &OpTracer{recorder: recorder}
	t.recorder.CreateTable(OpTableName, OpEntry{})

	return t
}

// Func records the operation carried by the hook context.
func (t *OpTracer) Func(ctx hooking.HookCtx) {
	rec, ok := ctx.Item.(addrspace.OpRecord)
	if !ok {
		return
	}

	name := ""
	if named, ok := ctx.Domain.(hooking.Named); ok {
		name = named.Name()
	}

	t.seq++
	t.recorder.InsertData(OpTableName, OpEntry{
		Seq:       t.seq,
		Allocator: name,
		Op:        rec.Op,
		Base:      rec.Base,
		Size:      rec.Size,
		OK:        rec.OK,
	})
}
