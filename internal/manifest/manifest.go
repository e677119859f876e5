// Package manifest loads the deployed version's asset list and strategy
// rules from a YAML file.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/briangreenhill/campusedge/internal/offline"
)

// Manifest describes one deployable version
type Manifest struct {
	Name         string        `yaml:"name"`
	Version      string        `yaml:"version"`
	Shell        string        `yaml:"shell"`
	Root         string        `yaml:"root"`
	APIPrefix    string        `yaml:"api_prefix"`
	SyncTag      string        `yaml:"sync_tag"`
	Static       []string      `yaml:"static"`
	RuleSpecs    []RuleSpec    `yaml:"rules"`
	Default      string        `yaml:"default_strategy"`
	Notification *Notification `yaml:"notification,omitempty"`
}

// RuleSpec is a rule as written in the file. A URL matches when any of
// its matchers does.
type RuleSpec struct {
	Name     string   `yaml:"name"`
	Strategy string   `yaml:"strategy"`
	Prefixes []string `yaml:"prefixes,omitempty"`
	Exact    []string `yaml:"exact,omitempty"`
	Contains []string `yaml:"contains,omitempty"`
}

// Notification overrides parts of the push notification template
type Notification struct {
	Title   string   `yaml:"title"`
	Body    string   `yaml:"body"`
	Icon    string   `yaml:"icon"`
	Badge   string   `yaml:"badge"`
	Vibrate []int    `yaml:"vibrate"`
	Actions []Action `yaml:"actions"`
}

type Action struct {
	Action string `yaml:"action"`
	Title  string `yaml:"title"`
	Icon   string `yaml:"icon"`
}

// Default is the manifest the platform ships when no file is configured.
func Default() *Manifest {
	return &Manifest{
		Name:      "StudentsPoint",
		Version:   "v1.1.0",
		Shell:     offline.DefaultShellPath,
		Root:      offline.DefaultRootURL,
		APIPrefix: offline.DefaultAPIPrefix,
		SyncTag:   offline.DefaultSyncTag,
		Default:   string(offline.NetworkFirst),
		Static: []string{
			"/",
			"/index.html",
			"/login.html",
			"/register.html",
			"/account.html",
			"/styles.css",
			"/main.js",
			"/pwa.js",
			"/manifest.json",
			"https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/css/bootstrap.min.css",
			"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css",
			"https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/js/bootstrap.bundle.min.js",
			"/static/images/icons/icon-192x192.png",
			"/static/images/icons/icon-512x512.png",
		},
		RuleSpecs: []RuleSpec{
			{Name: "api", Strategy: string(offline.NetworkFirst), Prefixes: []string{"/api/"}},
			{Name: "static", Strategy: string(offline.CacheFirst), Prefixes: []string{"/static/", "/imagenes/"}},
			{Name: "shell", Strategy: string(offline.StaleWhileRevalidate), Exact: []string{"/", "/index.html"}},
		},
	}
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: reading %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest: parsing %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a manifest. Omitted fields keep the values of Default;
// unknown fields are rejected.
func Parse(data []byte) (*Manifest, error) {
	m := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(m); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the fields a controller generation needs
func (m *Manifest) Validate() error {
	var errs []error
	if m.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if m.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if _, err := m.rules(); err != nil {
		errs = append(errs, err)
	}
	if m.Default != "" {
		if _, err := offline.ParseStrategy(m.Default); err != nil {
			errs = append(errs, fmt.Errorf("default_strategy: %w", err))
		}
	}
	return errors.Join(errs...)
}

// VersionID is the identifier reported for this manifest, e.g. StudentsPoint-v1.1.0
func (m *Manifest) VersionID() string {
	return m.Name + "-" + m.Version
}

// Rules compiles the rule specs in file order.
func (m *Manifest) Rules() []offline.Rule {
	rules, _ := m.rules()
	return rules
}

func (m *Manifest) rules() ([]offline.Rule, error) {
	var errs []error
	out := make([]offline.Rule, 0, len(m.RuleSpecs))
	for i, r := range m.RuleSpecs {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i+1)
		}
		s, err := offline.ParseStrategy(r.Strategy)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", name, err))
			continue
		}
		var preds []offline.Predicate
		if len(r.Prefixes) > 0 {
			preds = append(preds, offline.PathPrefix(r.Prefixes...))
		}
		if len(r.Exact) > 0 {
			preds = append(preds, offline.PathExact(r.Exact...))
		}
		if len(r.Contains) > 0 {
			preds = append(preds, offline.URLContains(r.Contains...))
		}
		if len(preds) == 0 {
			errs = append(errs, fmt.Errorf("rule %s: no prefixes, exact or contains matcher", name))
			continue
		}
		out = append(out, offline.Rule{Name: name, Match: offline.AnyOf(preds...), Strategy: s})
	}
	return out, errors.Join(errs...)
}

// OfflineConfig builds the controller generation this manifest describes.
func (m *Manifest) OfflineConfig(origin *url.URL, timeout time.Duration) offline.Config {
	cfg := offline.NewConfig(m.Name, m.Version, origin)
	cfg.Manifest = append([]string(nil), m.Static...)
	cfg.Rules = m.Rules()
	if s, err := offline.ParseStrategy(m.Default); err == nil {
		cfg.DefaultStrategy = s
	}
	if m.Shell != "" {
		cfg.ShellPath = m.Shell
	}
	if m.Root != "" {
		cfg.RootURL = m.Root
	}
	if m.APIPrefix != "" {
		cfg.APIPrefix = m.APIPrefix
	}
	if m.SyncTag != "" {
		cfg.SyncTag = m.SyncTag
	}
	cfg.NetworkTimeout = timeout

	if n := m.Notification; n != nil {
		t := &cfg.Notification
		if n.Title != "" {
			t.Title = n.Title
		}
		if n.Body != "" {
			t.Body = n.Body
		}
		if n.Icon != "" {
			t.Icon = n.Icon
		}
		if n.Badge != "" {
			t.Badge = n.Badge
		}
		if len(n.Vibrate) > 0 {
			t.Vibrate = append([]int(nil), n.Vibrate...)
		}
		if len(n.Actions) > 0 {
			t.Actions = t.Actions[:0:0]
			for _, a := range n.Actions {
				t.Actions = append(t.Actions, offline.NotificationAction{Action: a.Action, Title: a.Title, Icon: a.Icon})
			}
		}
	}
	return cfg
}
