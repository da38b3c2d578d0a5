package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: personas and the
// log level. Provider, memory, and recording changes require a restart.
type ConfigDiff struct {
	PersonasChanged bool          // true if any persona text, voice, or mode changed
	PersonaChanges  []PersonaDiff // per-persona diffs
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// PersonaDiff describes what changed for a single persona between two configs.
type PersonaDiff struct {
	Name           string
	PersonaChanged bool
	VoiceChanged   bool
	ModeChanged    bool
	Added          bool
	Removed        bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Build persona lookup maps keyed by name.
	oldPersonas := make(map[string]*PersonaConfig, len(old.Personas))
	for i := range old.Personas {
		oldPersonas[old.Personas[i].Name] = &old.Personas[i]
	}
	newPersonas := make(map[string]*PersonaConfig, len(new.Personas))
	for i := range new.Personas {
		newPersonas[new.Personas[i].Name] = &new.Personas[i]
	}

	// Detect modified and removed personas.
	for name, oldP := range oldPersonas {
		newP, exists := newPersonas[name]
		if !exists {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{
				Name:    name,
				Removed: true,
			})
			d.PersonasChanged = true
			continue
		}
		pd := diffPersona(name, oldP, newP)
		if pd.PersonaChanged || pd.VoiceChanged || pd.ModeChanged {
			d.PersonaChanges = append(d.PersonaChanges, pd)
			d.PersonasChanged = true
		}
	}

	// Detect added personas.
	for name := range newPersonas {
		if _, exists := oldPersonas[name]; !exists {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{
				Name:  name,
				Added: true,
			})
			d.PersonasChanged = true
		}
	}

	return d
}

// diffPersona compares two persona configs with the same name.
func diffPersona(name string, old, new *PersonaConfig) PersonaDiff {
	pd := PersonaDiff{Name: name}

	if old.Persona != new.Persona {
		pd.PersonaChanged = true
	}
	if old.Voice != new.Voice {
		pd.VoiceChanged = true
	}
	if old.Mode != new.Mode {
		pd.ModeChanged = true
	}

	return pd
}
