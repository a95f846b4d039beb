package lab

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/javanstorm/nodelab/internal/vm"
)

// WipeAll wipes every registered instance in registry order. By default a
// failing instance is recorded and the batch continues; with HaltOnFailure
// the remaining instances are skipped. The returned error aggregates every
// failure and is nil when all instances were wiped.
func (o *Orchestrator) WipeAll(ctx context.Context) (res *WipeAllResult, err error) {
	defer func(start time.Time) { o.observe("wipe_all", start, err) }(time.Now())

	insts, lerr := o.registry.List()
	if lerr != nil {
		return nil, newError(KindInternal, "wipe-all", "", lerr)
	}

	res = &WipeAllResult{Policy: PolicyContinue}
	if o.opts.HaltOnFailure {
		res.Policy = PolicyHalt
	}

	var errs *multierror.Error
	halted := false
	for _, inst := range insts {
		if halted {
			res.Outcomes = append(res.Outcomes, WipeOutcome{Name: inst.Name, Outcome: OutcomeSkipped})
			continue
		}
		if ctx.Err() != nil {
			errs = multierror.Append(errs, newError(KindInternal, "wipe-all", inst.Name, ctx.Err()))
			res.Outcomes = append(res.Outcomes, WipeOutcome{Name: inst.Name, Outcome: OutcomeSkipped})
			halted = true
			continue
		}

		unlock := o.locks.Lock(inst.Name)
		wr, werr := o.wipe(ctx, inst.Name)
		unlock()

		if werr != nil {
			errs = multierror.Append(errs, werr)
			res.Outcomes = append(res.Outcomes, WipeOutcome{
				Name:    inst.Name,
				Outcome: OutcomeFailed,
				Error:   werr.Error(),
			})
			log.WithField("name", inst.Name).Errorf("wipe failed: %v", werr)
			if o.opts.HaltOnFailure {
				halted = true
			}
			continue
		}
		res.Outcomes = append(res.Outcomes, WipeOutcome{
			Name:    inst.Name,
			Outcome: OutcomeWiped,
			Warning: wr.Warning,
		})
	}

	log.WithFields(log.Fields{
		"policy": res.Policy,
		"total":  len(insts),
		"failed": res.Failed(),
	}).Info("wipe-all finished")
	return res, errs.ErrorOrNil()
}

// List returns every instance with its status refreshed from the process
// table. A drifted persisted status is corrected on the way. Instances with
// an operation in flight are reported as persisted.
func (o *Orchestrator) List(ctx context.Context) ([]InstanceView, error) {
	insts, err := o.registry.List()
	if err != nil {
		return nil, newError(KindInternal, "list", "", err)
	}

	views := make([]InstanceView, 0, len(insts))
	for i := range insts {
		inst := &insts[i]
		if unlock, ok := o.locks.TryLock(inst.Name); ok {
			if fresh := o.refresh(inst); fresh != nil {
				inst = fresh
			}
			unlock()
		}
		views = append(views, *o.view(inst))
	}
	return views, nil
}

// refresh probes one instance and fixes its persisted status. Caller holds
// the instance lock. Returns nil when nothing changed or the probe failed.
func (o *Orchestrator) refresh(inst *vm.Instance) *vm.Instance {
	live, err := o.procs.IsRunning(inst.Name)
	if err != nil {
		log.WithField("name", inst.Name).Warnf("status probe failed: %v", err)
		return nil
	}
	if live == inst.Running() {
		return nil
	}

	status := vm.StatusStopped
	if live {
		status = vm.StatusRunning
	} else {
		o.alloc.Release(inst.Name)
	}
	updated, err := o.registry.SetStatus(inst.Name, status)
	if err != nil {
		log.WithField("name", inst.Name).Warnf("status correction failed: %v", err)
		return nil
	}
	log.WithFields(log.Fields{"name": inst.Name, "status": status}).Info("status corrected from process table")
	return updated
}

// Reconcile aligns the registry and the allocator with the live process
// table, typically once at startup. Live instances keep their ports, unless
// CleanupOnStart is set, in which case every leftover process is stopped.
func (o *Orchestrator) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	insts, err := o.registry.List()
	if err != nil {
		return nil, newError(KindInternal, "reconcile", "", err)
	}

	res := &ReconcileResult{}
	known := make(map[string]bool, len(insts))
	var errs *multierror.Error

	for i := range insts {
		inst := &insts[i]
		known[inst.Name] = true

		unlock := o.locks.Lock(inst.Name)
		live, err := o.procs.IsRunning(inst.Name)
		if err != nil {
			errs = multierror.Append(errs, newError(KindInternal, "reconcile", inst.Name, err))
			unlock()
			continue
		}

		switch {
		case live && o.opts.CleanupOnStart:
			if _, err := o.stopProcess("reconcile", inst.Name); err != nil {
				errs = multierror.Append(errs, err)
				break
			}
			res.Killed = append(res.Killed, inst.Name)
			if _, err := o.registry.SetStatus(inst.Name, vm.StatusStopped); err != nil {
				errs = multierror.Append(errs, newError(KindInternal, "reconcile", inst.Name, err))
			}
		case live:
			if err := o.alloc.Adopt(inst.Name, inst.Ports.VNC, inst.Ports.Telnet, inst.Ports.SSH); err != nil {
				errs = multierror.Append(errs, newError(KindResourceExhausted, "reconcile", inst.Name, err))
			}
			res.Running = append(res.Running, inst.Name)
			if !inst.Running() {
				if _, err := o.registry.SetStatus(inst.Name, vm.StatusRunning); err != nil {
					errs = multierror.Append(errs, newError(KindInternal, "reconcile", inst.Name, err))
				}
				res.Corrected = append(res.Corrected, inst.Name)
			}
		case inst.Running():
			if _, err := o.registry.SetStatus(inst.Name, vm.StatusStopped); err != nil {
				errs = multierror.Append(errs, newError(KindInternal, "reconcile", inst.Name, err))
			}
			res.Corrected = append(res.Corrected, inst.Name)
		}
		unlock()
	}

	// Processes with a PID file but no registry record.
	if o.opts.CleanupOnStart {
		names, err := o.procs.Running()
		if err != nil {
			errs = multierror.Append(errs, newError(KindInternal, "reconcile", "", err))
		}
		for _, name := range names {
			if known[name] {
				continue
			}
			if _, err := o.stopProcess("reconcile", name); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			res.Killed = append(res.Killed, name)
		}
	}

	log.WithFields(log.Fields{
		"running":   len(res.Running),
		"corrected": len(res.Corrected),
		"killed":    len(res.Killed),
	}).Info("registry reconciled")
	return res, errs.ErrorOrNil()
}
