package backend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultDisconnectMarker is the line the reference MUD sends when it drops a player.
const DefaultDisconnectMarker = "*** Disconnected ***"

// Profile describes how to talk to one remote MUD.
type Profile struct {
	Name string `yaml:"name"`
	// Charset names the backend character set (see NewCodec).
	Charset string `yaml:"charset"`
	// StripTelnet enables removal of telnet IAC sequences from backend output.
	StripTelnet bool `yaml:"strip_telnet"`
	// DisconnectMarkers are substrings that, found in a complete line, end the session.
	DisconnectMarkers []string `yaml:"disconnect_markers"`
	// PromptMarkers are case-insensitive substrings identifying input prompts.
	PromptMarkers []string `yaml:"prompt_markers"`
	// ShortPromptMax flushes any remainder up to this many bytes; 0 disables it.
	ShortPromptMax int `yaml:"short_prompt_max"`
	// LoginPrelude is sent as a line before the credentials.
	LoginPrelude string `yaml:"login_prelude"`
	// QuitCommand is sent as a line on a client-requested disconnect.
	QuitCommand string `yaml:"quit_command"`
	// PromptScript is an optional Lua file defining is_prompt / is_disconnect.
	// A relative path is resolved against the profile's directory.
	PromptScript string `yaml:"prompt_script"`
}

// DefaultProfile returns the profile for the reference MUD.
//
// Postcondition: The returned profile passes Validate.
func DefaultProfile() Profile {
	return Profile{
		Name:              "default",
		Charset:           "utf-8",
		StripTelnet:       true,
		DisconnectMarkers: []string{DefaultDisconnectMarker},
		PromptMarkers:     []string{"[input]", "name:", "login:", "password:", "senha:"},
		LoginPrelude:      "p",
		QuitCommand:       "quit",
	}
}

// LoadProfile reads a profile from a YAML file. Fields absent from the file keep
// their DefaultProfile values. An empty path returns DefaultProfile.
//
// Postcondition: Returns a validated Profile or a non-nil error.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("backend.LoadProfile: reading %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("backend.LoadProfile: parsing %q: %w", path, err)
	}
	if p.PromptScript != "" && !filepath.IsAbs(p.PromptScript) {
		p.PromptScript = filepath.Join(filepath.Dir(path), p.PromptScript)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks the profile's fields.
//
// Postcondition: nil return guarantees a known charset, a non-empty quit
// command, and a non-negative ShortPromptMax.
func (p Profile) Validate() error {
	var errs []error
	if _, err := NewCodec(p.Charset); err != nil {
		errs = append(errs, fmt.Errorf("profile %q: %w", p.Name, err))
	}
	if p.QuitCommand == "" {
		errs = append(errs, fmt.Errorf("profile %q: quit_command must not be empty", p.Name))
	}
	if p.ShortPromptMax < 0 {
		errs = append(errs, fmt.Errorf("profile %q: short_prompt_max must be >= 0, got %d", p.Name, p.ShortPromptMax))
	}
	return errors.Join(errs...)
}

// Codec returns the profile's charset codec.
//
// Precondition: p must have passed Validate.
func (p Profile) Codec() *Codec {
	c, err := NewCodec(p.Charset)
	if err != nil {
		c, _ = NewCodec("")
	}
	return c
}

// PromptDetector returns the marker-based prompt detector for the profile.
func (p Profile) PromptDetector() PromptDetector {
	return NewMarkerDetector(p.PromptMarkers, p.ShortPromptMax)
}

// DisconnectMatcher returns the marker-based disconnect matcher for the profile.
func (p Profile) DisconnectMatcher() LineMatcher {
	return NewMarkerMatcher(p.DisconnectMarkers)
}
