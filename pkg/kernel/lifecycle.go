package kernel

import (
	"github.com/tidewater-labs/spc/pkg/document"
	"github.com/tidewater-labs/spc/pkg/handlers"
)

// nextStatus evaluates a service's lifecycle transition after a successful
// execution. It is never called for services that were skipped, stopped,
// or failed this tick.
//
//	type       after firing          persistent:false  hold  oneShot            loop
//	adapter    auto-stop             (always stops)    stays running
//	monitor    stays running         stops                   stops after true
//	router     stays running         stops
//	processor  stays running         stops
//	connector  stays running         stops
//	iterator   stops when exhausted                                             restarts
func nextStatus(svc *document.Service, policy handlers.LifecyclePolicy, res handlers.Result) document.Status {
	switch svc.Type {
	case document.TypeAdapter:
		if policy.AutoStop && res.Fired && !svc.Modifiers.Hold {
			return document.StatusStopped
		}
	case document.TypeMonitor:
		if svc.Modifiers.OneShot && res.Fired {
			return document.StatusStopped
		}
		if !svc.Modifiers.IsPersistent() {
			return document.StatusStopped
		}
	case document.TypeIterator:
		if res.Exhausted && !svc.Modifiers.Loop {
			return document.StatusStopped
		}
	default:
		if !svc.Modifiers.IsPersistent() {
			return document.StatusStopped
		}
	}
	return svc.Status
}
