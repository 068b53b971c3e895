package addrspace

import (
	"log"

	"github.com/sarchlab/addrspace/hooking"
)

// An OpLogger is a hook that writes every allocator operation into a
// logger.
type OpLogger struct {
	hooking.LogHookBase
}

// NewOpLogger returns a new OpLogger that writes into the given logger.
func NewOpLogger(logger *log.Logger) *OpLogger {
	l := new(OpLogger)
	l.Logger = logger
	return l
}

// Func writes the operation information into the logger.
func (l *OpLogger) Func(ctx hooking.HookCtx) {
	rec, ok := ctx.Item.(OpRecord)
	if !ok {
		return
	}

	name := ""
	if named, ok := ctx.Domain.(hooking.Named); ok {
		name = named.Name()
	}

	l.Printf("%s, %s, [0x%x, 0x%x+0x%x), %t",
		name, rec.Op, rec.Base, rec.Base, rec.Size, rec.OK)
}
