package agent

import "time"

// State is one node of an agent's state tree. A leaf state is the only legal
// "current" state; being "in" a composite state S means S lies on the path
// from the current leaf to the root.
type State struct {
	name     string
	parent   *State
	initial  *State
	children []*State
	onEnter  func()
	onExit   func()

	timeLimit       time.Duration
	timeLimitTarget *State

	transferTo map[TypeKey]*State
}

// NewState builds a detached, unnamed-parent state; attach it with InState
// before using it in a transition.
func NewState(name string) *State {
	return &State{name: name, transferTo: make(map[TypeKey]*State)}
}

// InState declares parent as this state's parent, making this state one of
// parent's substates.
func (s *State) InState(parent *State) *State {
	s.parent = parent
	parent.children = append(parent.children, s)
	return s
}

// IsComposite reports whether this state has substates.
func (s *State) IsComposite() bool { return len(s.children) > 0 }

// WithInitialSubstate declares the substate entered by default when a
// transition targets this (composite) state directly.
func (s *State) WithInitialSubstate(initial *State) *State {
	s.initial = initial
	return s
}

// OnEnter registers the action fired when this state is entered.
func (s *State) OnEnter(fn func()) *State {
	s.onEnter = fn
	return s
}

// OnExit registers the action fired when this state is exited.
func (s *State) OnExit(fn func()) *State {
	s.onExit = fn
	return s
}

// TimeLimit declares that entering this state starts a timer; if no earlier
// transition happens within d, the agent transitions to target. Re-entering
// the same state cancels the previous timer and starts a new one.
func (s *State) TimeLimit(d time.Duration, target *State) *State {
	s.timeLimit = d
	s.timeLimitTarget = target
	return s
}

// TransferToState declares: when a message of type t arrives and no handler
// is found on the current-state path, transition to target and re-dispatch
// the same message using target's subscriptions.
func (s *State) TransferToState(t TypeKey, target *State) *State {
	s.transferTo[t] = target
	return s
}

// Name returns the state's declared name, for diagnostics. The
// subscription-lookup cache key uses the state's identity, not its name.
func (s *State) Name() string { return s.name }

// pathToRoot returns the states from this leaf up to (and including) the
// root, in leaf-to-root order.
func (s *State) pathToRoot() []*State {
	path := make([]*State, 0, 4)
	for cur := s; cur != nil; cur = cur.parent {
		path = append(path, cur)
	}
	return path
}

// lowestCommonAncestor finds the deepest state present on both a's and b's
// paths to the root.
func lowestCommonAncestor(a, b *State) *State {
	ancestors := make(map[*State]struct{})
	for cur := a; cur != nil; cur = cur.parent {
		ancestors[cur] = struct{}{}
	}
	for cur := b; cur != nil; cur = cur.parent {
		if _, ok := ancestors[cur]; ok {
			return cur
		}
	}
	return nil
}

// descendToLeaf follows initial-substate links from s down to a leaf. Fails
// if any composite state on the chain lacks an initial substate - a
// transition targeting a composite state with no declared entry point has
// nowhere legal to land.
func descendToLeaf(s *State) (*State, error) {
	cur := s
	for cur.IsComposite() {
		if cur.initial == nil {
			return nil, ErrNoInitialSubstate
		}
		cur = cur.initial
	}
	return cur, nil
}
