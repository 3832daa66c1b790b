package main

import (
	"github.com/fsmawi/wip"
)

// registerBuiltinTypes registers the task types every wipd instance serves.
// They are useful for smoke tests of a deployment.
func registerBuiltinTypes(eng wip.Engine) error {
	noop := wip.NewTaskType("noop").
		Table(`start { * finish }`)

	await := wip.NewTaskType("await-signal").
		Table(`
			start { * await }
			await { received finish, waiting await wait=1s }
		`).
		State("await", wip.WaitForSignal(wip.SignalData, "received", "waiting"))

	for _, b := range []*wip.TaskTypeBuilder{noop, await} {
		if err := b.Register(eng); err != nil {
			return err
		}
	}
	return nil
}
