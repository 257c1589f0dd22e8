package commands

import (
	"fmt"

	"git.home.luguber.info/inful/privd/internal/config"
)

// TargetCmd groups the target subcommands.
type TargetCmd struct {
	Set  TargetSetCmd  `cmd:"" help:"Rewrite the target section; a running daemon reconfigures on save"`
	Show TargetShowCmd `cmd:"" help:"Print the configured target"`
}

// TargetSetCmd overrides the fields given on the command line and keeps the rest.
type TargetSetCmd struct {
	Transport  string `help:"Transport: adb or ssh"`
	Host       string `help:"Target host"`
	Port       int    `help:"Target port"`
	Serial     string `help:"adb device serial"`
	ADBPath    string `name:"adb-path" help:"adb executable"`
	SSHUser    string `name:"ssh-user" help:"ssh user"`
	SSHKey     string `name:"ssh-key" help:"ssh private key path"`
	KnownHosts string `name:"known-hosts" help:"ssh known_hosts file"`
}

type TargetShowCmd struct{}

func (c *TargetSetCmd) Run(g *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}
	target, err := c.apply(cfg.Target)
	if err != nil {
		return err
	}
	if err := config.SaveTarget(root.Config, target); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out(g), "target set to %s\n", describeTarget(target))
	return nil
}

func (c *TargetSetCmd) apply(t config.TargetConfig) (config.TargetConfig, error) {
	if c.Transport != "" {
		kind, err := config.NormalizeTransport(c.Transport)
		if err != nil {
			return t, err
		}
		if kind != t.Transport && c.Port == 0 {
			// The old default port belongs to the old transport.
			t.Port = 0
		}
		t.Transport = kind
	}
	if c.Host != "" {
		t.Host = c.Host
	}
	if c.Port != 0 {
		t.Port = c.Port
	}
	if c.Serial != "" {
		t.Serial = c.Serial
	}
	if c.ADBPath != "" {
		t.ADBPath = c.ADBPath
	}
	if c.SSHUser != "" {
		t.SSH.User = c.SSHUser
	}
	if c.SSHKey != "" {
		t.SSH.KeyPath = c.SSHKey
	}
	if c.KnownHosts != "" {
		t.SSH.KnownHosts = c.KnownHosts
	}
	if t.Port == 0 {
		t.Port = config.DefaultADBPort
		if t.Transport == config.TransportSSH {
			t.Port = config.DefaultSSHPort
		}
	}
	return t, nil
}

func (c *TargetShowCmd) Run(g *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out(g), describeTarget(cfg.Target))
	return nil
}

func describeTarget(t config.TargetConfig) string {
	s := fmt.Sprintf("%s://%s:%d", t.Transport, t.Host, t.Port)
	if t.Serial != "" {
		s += " serial=" + t.Serial
	}
	if t.Transport == config.TransportSSH && t.SSH.User != "" {
		s += " user=" + t.SSH.User
	}
	return s
}
