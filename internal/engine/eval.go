package engine

import (
	"fmt"

	"github.com/petrijr/sagaflow/pkg/api"
)

// User-supplied predicates, selectors and factories run behind a
// recover so a panicking callback is reported as a dispatch error for
// its step instead of tearing down the interpreter.

func recoverEval(err *error) {
	if r := recover(); r != nil {
		*err = api.NewDispatchError("evaluate", fmt.Errorf("callback panicked: %v", r), false)
	}
}

func safeBool(p api.Predicate, st api.State) (ok bool, err error) {
	defer recoverEval(&err)
	return p(st), nil
}

func safeMessage(f api.MessageFactory, st api.State) (msg any, err error) {
	defer recoverEval(&err)
	msg, ferr := f(st)
	if ferr != nil {
		return nil, api.NewDispatchError("evaluate", ferr, false)
	}
	return msg, nil
}

func safeSelector(f api.Selector, st api.State) (key string, err error) {
	defer recoverEval(&err)
	return f(st), nil
}

func safeItems(f api.ItemsSelector, st api.State) (items []any, err error) {
	defer recoverEval(&err)
	return f(st), nil
}

func safeEvent(f api.EventFactory, st api.State) (event any, err error) {
	defer recoverEval(&err)
	return f(st), nil
}

func safeWaitCondition(f api.WaitConditionFactory, st api.State) (wc api.WaitCondition, err error) {
	defer recoverEval(&err)
	return f(st), nil
}

func safeProject(f api.EventProjection, st api.State, payload any) (err error) {
	defer recoverEval(&err)
	f(st, payload)
	return nil
}

func safeSetResult(f api.ResultSetter, st api.State, reply any) (err error) {
	defer recoverEval(&err)
	f(st, reply)
	return nil
}
