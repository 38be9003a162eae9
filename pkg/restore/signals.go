package restore

import (
	"github.com/linlinhaohao888/LegoOS/pkg/snapshot"
	"github.com/linlinhaohao888/LegoOS/pkg/task"
)

// restoreSignals installs the whole action table and the blocked mask verbatim.
// Handler addresses and mask bits are not checked: the snapshot is trusted.
func restoreSignals(t *task.Task, snap *snapshot.ProcessSnapshot) {
	t.SigHand.Install(&snap.Actions)
	t.SetBlocked(snap.Blocked)
}
