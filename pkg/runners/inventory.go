package runners

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"
)

// Host is a remote recovery target reachable over SSH.
type Host struct {
	// Name is referenced by ActionRef.Host.
	Name string `yaml:"name"`

	// Address is the hostname or IP address.
	Address string `yaml:"address"`

	// Port is the SSH port (default: 22)
	Port int `yaml:"port"`

	User string `yaml:"user"`

	AuthMethod AuthMethod `yaml:"auth_method"`

	// Password for password-based authentication
	Password string `yaml:"password"`

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string `yaml:"private_key_path"`

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string `yaml:"private_key_passphrase"`

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string `yaml:"known_hosts_path"`

	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool `yaml:"insecure_ignore_host_key"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Jump names another inventory host used as a bastion.
	Jump string `yaml:"jump"`

	Labels map[string]string `yaml:"labels"`
}

func (h *Host) applyDefaults() {
	if h.Port == 0 {
		h.Port = 22
	}
	if h.AuthMethod == "" {
		h.AuthMethod = AuthMethodKey
	}
	if h.KnownHostsPath == "" && !h.InsecureIgnoreHostKey {
		h.KnownHostsPath = filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts")
	}
	if h.ConnectTimeout <= 0 {
		h.ConnectTimeout = 30 * time.Second
	}
}

// Validate checks the host definition.
func (h *Host) Validate() error {
	if h.Name == "" {
		return fmt.Errorf("host name is required")
	}
	if h.Address == "" {
		return fmt.Errorf("host %s: address is required", h.Name)
	}
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("host %s: invalid port: %d", h.Name, h.Port)
	}
	if h.User == "" {
		return fmt.Errorf("host %s: user is required", h.Name)
	}

	switch h.AuthMethod {
	case AuthMethodPassword:
		if h.Password == "" {
			return fmt.Errorf("host %s: password is required for password authentication", h.Name)
		}
	case AuthMethodKey:
		if h.PrivateKeyPath == "" {
			return fmt.Errorf("host %s: private key path is required for key authentication", h.Name)
		}
	default:
		return fmt.Errorf("host %s: unsupported auth method: %s", h.Name, h.AuthMethod)
	}

	if h.Jump == h.Name {
		return fmt.Errorf("host %s: cannot jump through itself", h.Name)
	}
	return nil
}

// Addr returns host:port.
func (h *Host) Addr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

// ClientConfig builds the SSH client configuration for the host.
func (h *Host) ClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch h.AuthMethod {
	case AuthMethodPassword:
		auth = append(auth, ssh.Password(h.Password))
		// Many servers only offer keyboard-interactive for password prompts.
		auth = append(auth, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = h.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(h.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if h.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(h.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if h.InsecureIgnoreHostKey {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		var err error
		hostKeyCallback, err = knownhosts.New(h.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            h.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         h.ConnectTimeout,
	}, nil
}

// Inventory is the set of remote hosts actions may target.
type Inventory struct {
	hosts map[string]*Host
}

// NewInventory validates hosts and indexes them by name.
func NewInventory(hosts []Host) (*Inventory, error) {
	inv := &Inventory{hosts: make(map[string]*Host, len(hosts))}
	for i := range hosts {
		h := hosts[i]
		h.applyDefaults()
		if err := h.Validate(); err != nil {
			return nil, err
		}
		if _, dup := inv.hosts[h.Name]; dup {
			return nil, fmt.Errorf("duplicate host %s", h.Name)
		}
		inv.hosts[h.Name] = &h
	}
	for _, h := range inv.hosts {
		if h.Jump != "" {
			if _, ok := inv.hosts[h.Jump]; !ok {
				return nil, fmt.Errorf("host %s: unknown jump host %s", h.Name, h.Jump)
			}
		}
	}
	return inv, nil
}

// Lookup returns the named host.
func (inv *Inventory) Lookup(name string) (*Host, error) {
	if inv != nil {
		if h, ok := inv.hosts[name]; ok {
			return h, nil
		}
	}
	return nil, fmt.Errorf("unknown host %q", name)
}

// Len returns the number of hosts.
func (inv *Inventory) Len() int {
	if inv == nil {
		return 0
	}
	return len(inv.hosts)
}

// Select returns hosts matching a label selector, sorted by name.
// Selector format: "key1=value1,key2=value2" or "all" for all hosts.
func (inv *Inventory) Select(selector string) []*Host {
	labels := parseSelector(selector)
	out := make([]*Host, 0)
	if inv == nil {
		return out
	}
	for _, h := range inv.hosts {
		if matchesLabels(h.Labels, labels) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// parseSelector parses a label selector string into a map.
func parseSelector(selector string) map[string]string {
	labels := make(map[string]string)

	if selector == "" || selector == "all" {
		return labels
	}

	for _, pair := range strings.Split(selector, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			labels[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return labels
}

func matchesLabels(hostLabels, selectorLabels map[string]string) bool {
	for key, value := range selectorLabels {
		if hostValue, ok := hostLabels[key]; !ok || hostValue != value {
			return false
		}
	}
	return true
}
