package wip

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"github.com/fsmawi/wip/pkg/api"
)

// Keys written into the state data by the helpers below.
const (
	SignalDataKey   = "signal"
	ChildResultsKey = "children"
)

// Pass returns logic that always yields trigger.
func Pass(trigger string) StateFunc {
	return func(ctx context.Context, sc *StateContext) (string, error) {
		return trigger, nil
	}
}

// WaitForSignal returns logic that consumes the oldest unconsumed signal of
// type typ. When one is found its payload is stored under SignalDataKey and
// received is yielded; otherwise pending is yielded. Pair pending with a
// wait= rule back to the same state to poll:
//
//	approve { approved finish, waiting approve wait=30 }
func WaitForSignal(typ SignalType, received, pending string) StateFunc {
	return func(ctx context.Context, sc *StateContext) (string, error) {
		signals, err := sc.Signals(ctx)
		if err != nil {
			return "", err
		}
		for _, sig := range signals {
			if sig.Type != typ {
				continue
			}
			if err := sc.Consume(ctx, sig); err != nil {
				return "", err
			}
			sc.Data()[SignalDataKey] = sig.Data
			return received, nil
		}
		return pending, nil
	}
}

// WaitForChildren returns logic that waits for every child task to
// complete. COMPLETE signals are consumed and their results collected under
// ChildResultsKey as a map from child ID to exit status. It yields done when
// all children are COMPLETE, failed when additionally any of them failed
// and failed is non-empty, and pending otherwise.
func WaitForChildren(done, failed, pending string) StateFunc {
	return func(ctx context.Context, sc *StateContext) (string, error) {
		if err := collectChildResults(ctx, sc); err != nil {
			return "", err
		}
		children, err := sc.Children(ctx)
		if err != nil {
			return "", err
		}
		anyFailed := false
		for _, child := range children {
			if child.Status != api.StatusComplete {
				return pending, nil
			}
			if child.ExitStatus.Failed() {
				anyFailed = true
			}
		}
		if anyFailed && failed != "" {
			return failed, nil
		}
		return done, nil
	}
}

func init() {
	gob.Register(map[int64]string{})
}

func collectChildResults(ctx context.Context, sc *StateContext) error {
	signals, err := sc.Signals(ctx)
	if err != nil {
		return err
	}
	data := sc.Data()
	prev, _ := data[ChildResultsKey].(map[int64]string)
	results := make(map[int64]string, len(prev))
	for id, status := range prev {
		results[id] = status
	}
	for _, sig := range signals {
		if sig.Type != api.SignalComplete {
			continue
		}
		var cc api.ChildCompletion
		if err := json.Unmarshal(sig.Data, &cc); err != nil {
			return fmt.Errorf("decode completion signal %d: %w", sig.ID, err)
		}
		if err := sc.Consume(ctx, sig); err != nil {
			return err
		}
		results[cc.TaskID] = string(cc.ExitStatus)
	}
	data[ChildResultsKey] = results
	return nil
}

// Value returns the value stored under key in the data of the current state.
// Values must be gob-encodable to survive a durable store; custom types
// need gob.Register.
func Value[T any](sc *StateContext, key string) (T, bool) {
	v, ok := sc.Data()[key].(T)
	return v, ok
}

// Typed wraps logic that works on a strongly-typed value kept under key in
// the state data. The value returned by fn is stored back before the
// trigger is used, also when fn fails.
//
//	wip.Typed("count", func(ctx context.Context, sc *wip.StateContext, n int) (int, string, error) {
//	    return n + 1, "next", nil
//	})
func Typed[T any](key string, fn func(ctx context.Context, sc *StateContext, v T) (T, string, error)) StateFunc {
	return func(ctx context.Context, sc *StateContext) (string, error) {
		v, _ := Value[T](sc, key)
		out, trigger, err := fn(ctx, sc, v)
		sc.Data()[key] = out
		return trigger, err
	}
}
