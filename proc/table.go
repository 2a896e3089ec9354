package proc

import (
	"sync"

	"github.com/mkoseli2523/custom-kernel/config"
	"github.com/mkoseli2523/custom-kernel/errno"
	"github.com/mkoseli2523/custom-kernel/vmm"
)

// Table is the fixed-size process table (§4.7, process.c's proctab): a
// process's id is its slot index, exactly as sysfork derives
// `child_proc->id = (int)(child_proc - proctab)`.
type Table struct {
	mu    sync.Mutex
	procs [config.NPROC]*Process
	vmgr  *vmm.Manager
}

// NewTable builds an empty table over the given VMM.
func NewTable(vmgr *vmm.Manager) *Table {
	return &Table{vmgr: vmgr}
}

// Spawn creates the first process in a free slot, with id MAIN_PID (0)
// when the table is empty, mirroring procmgr_init's main_proc.
func (t *Table) Spawn() (*Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.procs {
		if t.procs[i] == nil {
			p, err := newProcess(i, t.vmgr)
			if err != nil {
				return nil, err
			}
			t.procs[i] = p
			return p, nil
		}
	}
	return nil, errno.ENOMEM
}

// Get returns the process at slot id, or nil if the slot is empty.
func (t *Table) Get(id int) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.procs) {
		return nil
	}
	return t.procs[id]
}

// Fork duplicates parent into a new table slot: a cloned address space
// (§4.2's CloneAddressSpace) and descriptor table entries reopened onto
// the same underlying streams, exactly as sysfork copies iotab pointers
// (with their refcounts bumped) into the child (§4.7, §3.1).
func (t *Table) Fork(parent *Process) (*Process, error) {
	t.mu.Lock()
	slot := -1
	for i := range t.procs {
		if t.procs[i] == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		t.mu.Unlock()
		return nil, errno.ENOMEM
	}
	// Reserve the slot before releasing the lock so two concurrent forks
	// can't both claim it.
	t.procs[slot] = &Process{}
	t.mu.Unlock()

	childAS, err := t.vmgr.CloneAddressSpace(parent.AS)
	if err != nil {
		t.mu.Lock()
		t.procs[slot] = nil
		t.mu.Unlock()
		return nil, err
	}

	child := &Process{ID: slot, vmgr: t.vmgr, AS: childAS}

	parent.mu.Lock()
	for i, s := range parent.IOTab {
		if s == nil {
			continue
		}
		if r, ok := s.(interface{ Reopen() errno.Errno }); ok {
			if e := r.Reopen(); e != 0 {
				parent.mu.Unlock()
				t.vmgr.ReclaimUserSpace(childAS)
				t.mu.Lock()
				t.procs[slot] = nil
				t.mu.Unlock()
				return nil, e
			}
		}
		child.IOTab[i] = s
	}
	parent.mu.Unlock()

	if parent.CPU != nil {
		childCPU := *parent.CPU
		child.CPU = &childCPU
		child.CPU.X[10] = 0 // fork returns 0 in the child (a0 is the return register)
	}

	t.mu.Lock()
	t.procs[slot] = child
	t.mu.Unlock()
	return child, nil
}

// Remove clears a finished process's slot once nothing references it any
// longer (process_exit reclaims the process; the table forgets it).
func (t *Table) Remove(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id >= 0 && id < len(t.procs) {
		t.procs[id] = nil
	}
}
