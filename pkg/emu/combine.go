package emu

// combineState implements spec.md §3's combine rule for deriving a
// result cell's capture state from its two operands (or from one
// operand and itself, for unary ops — callers pass s2 == s1 in that
// case). isSameValue lets STACKRELATIVE+STACKRELATIVE collapse to
// STACKRELATIVE (same stack slot arithmetic) instead of falling to
// DYNAMIC.
func combineState(s1, s2 CaptureState, isSameValue bool) CaptureState {
	if s1 == Dead || s2 == Dead {
		return Dead
	}
	if s1.IsStatic() && s2.IsStatic() {
		if s1 == Static2 || s2 == Static2 {
			return Static2
		}
		return Static
	}
	if s1 == StackRelative && s2.IsStatic() {
		return StackRelative
	}
	if s2 == StackRelative && s1.IsStatic() {
		return StackRelative
	}
	if s1 == StackRelative && s2 == StackRelative && isSameValue {
		return StackRelative
	}
	return Dynamic
}

// combineFlagState is combineState with STACKRELATIVE and STATIC2
// demoted to their simpler forms, per spec.md §3 note 3: "Flag
// combining additionally demotes STACKRELATIVE and STATIC2 to the
// simpler forms."
func combineFlagState(s1, s2 CaptureState, isSameValue bool) CaptureState {
	return combineState(demote(s1), demote(s2), isSameValue)
}

func demote(s CaptureState) CaptureState {
	switch s {
	case Static2:
		return Static
	case StackRelative:
		return Dynamic
	default:
		return s
	}
}
