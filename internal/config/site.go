package config

import (
	"context"
	"fmt"
	"os"

	"github.com/gluk-w/claworc/forwarder/internal/spawner"
	"gopkg.in/yaml.v3"
)

// SSHSettings are the ssh coordinates of one forward direction.
type SSHSettings struct {
	Node           string            `yaml:"node"`
	Port           int               `yaml:"port"`
	Username       string            `yaml:"username"`
	Key            string            `yaml:"key"`
	ForwardOptions map[string]string `yaml:"forward_options"`
}

// System is the policy of one remote system. Zero fields inherit from the
// site level.
type System struct {
	SSH                 SSHSettings       `yaml:"ssh"`
	Remote              SSHSettings       `yaml:"remote"`
	ExtraLabels         map[string]string `yaml:"extra_labels"`
	SSHDuringStartup    *bool             `yaml:"ssh_during_startup"`
	RecreateAtStart     *bool             `yaml:"ssh_recreate_at_start"`
	CreateRemoteForward *bool             `yaml:"ssh_create_remote_forward"`
}

// Site is the policy file named by SITE_CONFIG. Entries of Systems are
// selected per session by the "system" key of its connection info.
type Site struct {
	System            `yaml:",inline"`
	StopMessage       string            `yaml:"stop_message"`
	CancellingMessage string            `yaml:"cancelling_message"`
	Systems           map[string]System `yaml:"systems"`
}

// LoadSite reads the site file at path. An empty path yields an empty site.
func LoadSite(path string) (*Site, error) {
	site := &Site{}
	if path == "" {
		return site, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read site config: %w", err)
	}
	if err := yaml.Unmarshal(data, site); err != nil {
		return nil, fmt.Errorf("parse site config %s: %w", path, err)
	}
	if err := site.validate(); err != nil {
		return nil, fmt.Errorf("site config %s: %w", path, err)
	}
	return site, nil
}

func (s *Site) validate() error {
	check := func(where string, sys System) error {
		for dir, ssh := range map[string]SSHSettings{"ssh": sys.SSH, "remote": sys.Remote} {
			if ssh.Port < 0 || ssh.Port > 65535 {
				return fmt.Errorf("%s.%s.port %d out of range", where, dir, ssh.Port)
			}
		}
		return nil
	}
	if err := check("site", s.System); err != nil {
		return err
	}
	for name, sys := range s.Systems {
		if err := check("systems."+name, sys); err != nil {
			return err
		}
	}
	return nil
}

// lookup returns the system the session selected through its connection
// info, its start response or its user options.
func (s *Site) lookup(sess *spawner.Session) (System, bool) {
	raw, ok := sess.Attribute("system")
	if !ok || raw == nil {
		return System{}, false
	}
	sys, ok := s.Systems[fmt.Sprint(raw)]
	return sys, ok
}

// Hooks turns the site into session hooks. cfg supplies the ssh defaults
// that apply when neither site nor system set a value.
func (s *Site) Hooks(cfg Settings) spawner.Hooks {
	h := spawner.DefaultHooks()

	h.SSHNode = layered(s, "", local(node), "ssh_node", false)
	h.SSHPort = layered(s, orInt(cfg.SSHPort, spawner.DefaultSSHPort), local(port), "ssh_port", false)
	h.SSHUsername = layered(s, orString(cfg.SSHUsername, spawner.DefaultSSHUsername), local(username), "ssh_username", false)
	h.SSHKey = layered(s, cfg.SSHKeyPath, local(key), "ssh_key", false)
	h.SSHForwardOptions = layered(s, map[string]string{}, local(options), "", false)

	remoteKey := orString(cfg.SSHRemoteKeyPath, cfg.SSHKeyPath)
	h.SSHRemoteNode = layered(s, "", remote(node), "ssh_node", true)
	h.SSHRemotePort = layered(s, orInt(cfg.SSHPort, spawner.DefaultSSHPort), remote(port), "ssh_port", true)
	h.SSHRemoteUsername = layered(s, orString(cfg.SSHUsername, spawner.DefaultSSHUsername), remote(username), "ssh_username", true)
	h.SSHRemoteKey = layered(s, remoteKey, remote(key), "ssh_key", true)
	h.SSHForwardRemoteOptions = layered(s, map[string]string{}, remote(options), "", true)

	h.ExtraLabels = layered(s, map[string]string{}, func(sys System) (map[string]string, bool) {
		return sys.ExtraLabels, sys.ExtraLabels != nil
	}, "", false)
	h.SSHDuringStartup = layered(s, false, flag(func(sys System) *bool { return sys.SSHDuringStartup }), "", false)
	h.RecreateAtStart = layered(s, false, flag(func(sys System) *bool { return sys.RecreateAtStart }), "", false)
	h.CreateRemoteForward = layered(s, false, flag(func(sys System) *bool { return sys.CreateRemoteForward }), "", false)

	if s.StopMessage != "" {
		e := spawner.DefaultStopEvent()
		e.HTMLMessage = s.StopMessage
		h.StopEvent = spawner.Static(e)
	}
	if s.CancellingMessage != "" {
		e := spawner.DefaultCancellingEvent()
		e.HTMLMessage = s.CancellingMessage
		h.CancellingEvent = spawner.Static(e)
	}
	return h
}

// layered resolves a setting from, in order: the connection info (infoKey,
// read from the "remote" sub-map when remote is set), the selected system,
// the site level and def. Without systems the hook is static and the info
// override is applied by the session itself.
func layered[T any](s *Site, def T, get func(System) (T, bool), infoKey string, remote bool) spawner.Hook[T] {
	base := def
	if v, ok := get(s.System); ok {
		base = v
	}
	if len(s.Systems) == 0 {
		return spawner.Static(base)
	}
	return spawner.Func(func(ctx context.Context, sess *spawner.Session) (T, error) {
		info := sess.ConnectionInfo()
		if infoKey != "" {
			src := info
			if remote {
				src, _ = spawner.InfoValue[map[string]any](info, "remote")
			}
			if v, ok := spawner.InfoValue[T](src, infoKey); ok {
				return v, nil
			}
		}
		if sys, ok := s.lookup(sess); ok {
			if v, ok := get(sys); ok {
				return v, nil
			}
		}
		return base, nil
	})
}

func local[T any](get func(SSHSettings) (T, bool)) func(System) (T, bool) {
	return func(sys System) (T, bool) { return get(sys.SSH) }
}

func remote[T any](get func(SSHSettings) (T, bool)) func(System) (T, bool) {
	return func(sys System) (T, bool) { return get(sys.Remote) }
}

func node(s SSHSettings) (string, bool)     { return s.Node, s.Node != "" }
func port(s SSHSettings) (int, bool)        { return s.Port, s.Port != 0 }
func username(s SSHSettings) (string, bool) { return s.Username, s.Username != "" }
func key(s SSHSettings) (string, bool)      { return s.Key, s.Key != "" }
func options(s SSHSettings) (map[string]string, bool) {
	return s.ForwardOptions, s.ForwardOptions != nil
}

func flag(get func(System) *bool) func(System) (bool, bool) {
	return func(sys System) (bool, bool) {
		p := get(sys)
		if p == nil {
			return false, false
		}
		return *p, true
	}
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
