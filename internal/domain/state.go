package domain

// StateFromMarkers derives the module state from which sentinel files exist.
// remove beats disable, disable beats update.
func StateFromMarkers(remove, disable, update bool) State {
	switch {
	case remove:
		return StateRemove
	case disable:
		return StateDisable
	case update:
		return StateUpdate
	default:
		return StateEnable
	}
}

// StateFromEntries derives the module state from the base names found in a module directory.
func StateFromEntries(names []string) State {
	var remove, disable, update bool
	for _, name := range names {
		switch name {
		case RemoveMarker:
			remove = true
		case DisableMarker:
			disable = true
		case UpdateMarker:
			update = true
		}
	}
	return StateFromMarkers(remove, disable, update)
}
