package document

// Rule is one edge of a document lifecycle: the statuses an event may fire
// from and the status it lands on.
type Rule[S ~string] struct {
	From []S
	To   S
}

// Table is a closed transition table for a document status enum. Any
// (status, event) pair not present yields InvalidTransitionError, so a
// status can only ever move forward along defined edges.
type Table[S ~string] struct {
	Entity string
	Rules  map[string]Rule[S]
}

// Target resolves the destination status for event fired from current.
func (t Table[S]) Target(event string, current S) (S, error) {
	rule, ok := t.Rules[event]
	if !ok {
		return current, &InvalidTransitionError{Entity: t.Entity, Event: event, Status: string(current)}
	}
	for _, from := range rule.From {
		if from == current {
			return rule.To, nil
		}
	}
	return current, &InvalidTransitionError{Entity: t.Entity, Event: event, Status: string(current)}
}

// Allowed reports whether event may fire from current.
func (t Table[S]) Allowed(event string, current S) bool {
	_, err := t.Target(event, current)
	return err == nil
}
