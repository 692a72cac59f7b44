package voicelib

import (
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v3"
)

// Manifest describes one installed voice library: its speakers, the four
// model files every style shares, and the pronunciation dictionary.
type Manifest struct {
	Metadata   Metadata     `yaml:"metadata"`
	Speakers   []Speaker    `yaml:"speakers"`
	Models     ModelSpec    `yaml:"models"`
	Dictionary string       `yaml:"dictionary"`
	Frontend   FrontendSpec `yaml:"frontend,omitempty"`
}

type Metadata struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	Author      string `yaml:"author"`
}

type Speaker struct {
	Name   string  `yaml:"name"`
	UUID   string  `yaml:"uuid"`
	Styles []Style `yaml:"styles"`
}

type Style struct {
	Name string `yaml:"name"`
	ID   int    `yaml:"id"`
}

type ModelSpec struct {
	Duration    string `yaml:"duration"`
	Intonation  string `yaml:"intonation"`
	Spectrogram string `yaml:"spectrogram"`
	Vocoder     string `yaml:"vocoder"`
}

// FrontendSpec optionally ships a linguistic frontend module with the
// library instead of relying on the node's configured one.
type FrontendSpec struct {
	Mode   string `yaml:"mode"`
	Module string `yaml:"module"`
}

// Load reads a manifest from disk.
func Load(path string) (Manifest, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate ensures the manifest contains required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if len(m.Speakers) == 0 {
		return fmt.Errorf("speakers must include at least one entry")
	}
	seen := make(map[int]string)
	for _, speaker := range m.Speakers {
		if speaker.Name == "" {
			return fmt.Errorf("speakers[].name is required")
		}
		if speaker.UUID == "" {
			return fmt.Errorf("speaker %q is missing a uuid", speaker.Name)
		}
		if len(speaker.Styles) == 0 {
			return fmt.Errorf("speaker %q must declare at least one style", speaker.Name)
		}
		for _, style := range speaker.Styles {
			if style.ID < 0 {
				return fmt.Errorf("speaker %q style %q has a negative id", speaker.Name, style.Name)
			}
			if owner, dup := seen[style.ID]; dup {
				return fmt.Errorf("style id %d declared by both %q and %q", style.ID, owner, speaker.Name)
			}
			seen[style.ID] = speaker.Name
		}
	}
	if m.Models.Duration == "" {
		return fmt.Errorf("models.duration is required")
	}
	if m.Models.Intonation == "" {
		return fmt.Errorf("models.intonation is required")
	}
	if m.Models.Spectrogram == "" {
		return fmt.Errorf("models.spectrogram is required")
	}
	if m.Models.Vocoder == "" {
		return fmt.Errorf("models.vocoder is required")
	}
	if m.Dictionary == "" {
		return fmt.Errorf("dictionary is required")
	}
	if m.Frontend.Mode != "" {
		switch m.Frontend.Mode {
		case "wasm":
			if m.Frontend.Module == "" {
				return fmt.Errorf("frontend.module is required for wasm")
			}
		default:
			return fmt.Errorf("frontend.mode %q not supported", m.Frontend.Mode)
		}
	}
	return nil
}
