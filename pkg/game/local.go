package game

// Local drives a ruleset directly, with no server or network in the
// loop. A game run this way behaves exactly like a hosted one: the same
// commands produce the same states, deltas and rejections.
type Local struct {
	rules Rules
	state State
	tick  uint64
}

func NewLocal(rules Rules) *Local {
	return &Local{
		rules: rules,
		state: rules.Init(),
	}
}

func (l *Local) Rules() Rules {
	return l.rules
}

func (l *Local) Tick() uint64 {
	return l.tick
}

func (l *Local) State() State {
	return l.state
}

// Apply advances the game by one tick. On rejection the state and tick
// are untouched and the error carries the reason.
func (l *Local) Apply(batch ...Command) (Delta, error) {
	next, delta, err := l.rules.Apply(l.state, batch)
	if err != nil {
		return nil, err
	}

	l.state = next
	l.tick++
	return delta, nil
}
