package oracle

// Dispatcher accepts the one-shot callback message produced when a request
// resolves. Dispatch is called after the resolution has committed; its error is
// logged and never rolls the ledger back.
type Dispatcher interface {
	Dispatch(msg CallbackMessage) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(msg CallbackMessage) error

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(msg CallbackMessage) error {
	if f == nil {
		return nil
	}
	return f(msg)
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(CallbackMessage) error { return nil }
