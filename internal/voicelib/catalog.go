package voicelib

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yamachu/voicevox/internal/inference"
	"github.com/yamachu/voicevox/internal/protocol"
)

// Library is one discovered voice library with its paths resolved.
type Library struct {
	Manifest   Manifest
	Dir        string
	Models     map[string]string
	Dictionary string
}

// Catalog indexes every installed library by style id and answers the
// speaker listing, the fingerprint policy, and the dictionary location.
type Catalog struct {
	log       *slog.Logger
	libraries []*Library
	styles    map[int]*Library
}

// Discover walks root for library.yaml manifests. Invalid libraries are
// logged and skipped so one broken install does not take the node down.
func Discover(root string, log *slog.Logger) (*Catalog, error) {
	c := &Catalog{
		log:    log.With(slog.String("component", "voice-catalog")),
		styles: make(map[int]*Library),
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(d.Name(), "library.yaml") {
			if err := c.add(path); err != nil {
				c.log.Error("failed to load voice library", slog.String("path", path), slog.String("error", err.Error()))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk voice directory: %w", err)
	}
	sort.Slice(c.libraries, func(i, j int) bool {
		return c.libraries[i].Manifest.Metadata.Name < c.libraries[j].Manifest.Metadata.Name
	})
	if len(c.libraries) == 0 {
		c.log.Warn("no voice libraries discovered", slog.String("directory", root))
	} else {
		c.log.Info("voice libraries discovered", slog.Int("count", len(c.libraries)))
	}
	return c, nil
}

func (c *Catalog) add(manifestPath string) error {
	m, err := Load(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	if err := Validate(m); err != nil {
		return fmt.Errorf("validate manifest: %w", err)
	}

	baseDir := filepath.Dir(manifestPath)
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	lib := &Library{
		Manifest: m,
		Dir:      baseDir,
		Models: map[string]string{
			inference.ModelDuration:    resolve(m.Models.Duration),
			inference.ModelIntonation:  resolve(m.Models.Intonation),
			inference.ModelSpectrogram: resolve(m.Models.Spectrogram),
			inference.ModelVocoder:     resolve(m.Models.Vocoder),
		},
		Dictionary: resolve(m.Dictionary),
	}

	for _, speaker := range m.Speakers {
		for _, style := range speaker.Styles {
			if owner, dup := c.styles[style.ID]; dup {
				return fmt.Errorf("style id %d already provided by library %q", style.ID, owner.Manifest.Metadata.Name)
			}
			c.styles[style.ID] = lib
		}
	}
	c.libraries = append(c.libraries, lib)
	return nil
}

// Speakers lists every installed voice in a stable order.
func (c *Catalog) Speakers() []protocol.Speaker {
	var out []protocol.Speaker
	for _, lib := range c.libraries {
		for _, speaker := range lib.Manifest.Speakers {
			styles := make([]protocol.SpeakerStyle, 0, len(speaker.Styles))
			for _, style := range speaker.Styles {
				styles = append(styles, protocol.SpeakerStyle{Name: style.Name, ID: style.ID})
			}
			out = append(out, protocol.Speaker{
				Name:        speaker.Name,
				SpeakerUUID: speaker.UUID,
				Styles:      styles,
				Version:     lib.Manifest.Metadata.Version,
			})
		}
	}
	return out
}

// HasStyle reports whether any library provides the style id.
func (c *Catalog) HasStyle(id int) bool {
	_, ok := c.styles[id]
	return ok
}

// Policy maps a style id onto its library's model set. Every style of a
// library shares the same four models, so the mapping is speaker-
// independent within a library.
func (c *Catalog) Policy() inference.Policy {
	return func(speaker int) []inference.Fingerprint {
		lib, ok := c.styles[speaker]
		if !ok {
			return nil
		}
		return []inference.Fingerprint{
			{Kind: inference.ModelDuration, Location: lib.Models[inference.ModelDuration]},
			{Kind: inference.ModelIntonation, Location: lib.Models[inference.ModelIntonation]},
			{Kind: inference.ModelSpectrogram, Location: lib.Models[inference.ModelSpectrogram]},
			{Kind: inference.ModelVocoder, Location: lib.Models[inference.ModelVocoder]},
		}
	}
}

// Dictionary returns the pronunciation dictionary the speech frontend
// should mount. With several libraries installed the first one in name
// order wins; libraries ship compatible dictionaries.
func (c *Catalog) Dictionary() string {
	if len(c.libraries) == 0 {
		return ""
	}
	return c.libraries[0].Dictionary
}

// Libraries exposes the discovered libraries in name order.
func (c *Catalog) Libraries() []*Library {
	return c.libraries
}
