// Package sshshell implements the driver contract for plain hosts
// reachable over SSH. It covers OS-level power control (host.power)
// and ad-hoc command execution (host.shell).
package sshshell

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/rcourtman/surgeguard/internal/drivers"
	"github.com/rcourtman/surgeguard/internal/errors"
	"github.com/rcourtman/surgeguard/internal/models"
)

const (
	capPower = "host.power"
	capShell = "host.shell"
)

// Config describes one SSH-managed host.
type Config struct {
	Name           string // driver instance name, defaults to Host
	Host           string
	Port           int    // default 22
	User           string // default "root"
	Password       string
	PrivateKeyPath string
	ConnectTimeout time.Duration // default 10s
}

// Driver executes power verbs on a single remote host over SSH.
type Driver struct {
	cfg      Config
	resolver *dnscache.Resolver
}

// New creates an SSH shell driver. DNS lookups are cached so repeated
// driver calls during an outage do not depend on a resolver that may
// itself be losing power.
func New(cfg Config) (*Driver, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("sshshell: host is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Host
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Password == "" && cfg.PrivateKeyPath == "" {
		return nil, fmt.Errorf("sshshell: either password or private key path is required")
	}
	return &Driver{cfg: cfg, resolver: &dnscache.Resolver{}}, nil
}

func (d *Driver) Name() string { return "sshshell/" + d.cfg.Name }

func (d *Driver) Operations() []string {
	return []string{capPower, capShell}
}

func (d *Driver) ListCapabilities(ctx context.Context) ([]models.HostCapability, error) {
	return []models.HostCapability{
		{
			ID:             capPower,
			Verbs:          []string{"shutdown", "reboot"},
			SupportsDryRun: true,
			TimeoutS:       60,
		},
		{
			ID:             capShell,
			Verbs:          []string{"run"},
			SupportsDryRun: true,
			TimeoutS:       120,
		},
	}, nil
}

func (d *Driver) TestConnection(ctx context.Context) (drivers.ConnResult, error) {
	start := time.Now()
	client, err := d.dial(ctx)
	if err != nil {
		return drivers.ConnResult{OK: false, Detail: err.Error()}, nil
	}
	defer client.Close()
	return drivers.ConnResult{OK: true, LatencyMS: time.Since(start).Milliseconds()}, nil
}

// Discover returns the host itself: an SSH shell integration manages
// exactly one target of type "host".
func (d *Driver) Discover(ctx context.Context, targetType string, fast bool) ([]models.TargetDescriptor, error) {
	if targetType != "" && targetType != "host" {
		return nil, nil
	}
	desc := models.TargetDescriptor{
		CanonicalID: d.cfg.Name,
		DisplayName: fmt.Sprintf("%s@%s", d.cfg.User, d.cfg.Host),
		Labels:      map[string]string{"transport": "ssh"},
		Active:      true,
		LastSeen:    time.Now(),
	}
	if !fast {
		conn, err := d.TestConnection(ctx)
		if err != nil || !conn.OK {
			desc.Active = false
		}
	}
	return []models.TargetDescriptor{desc}, nil
}

func (d *Driver) Invoke(ctx context.Context, call drivers.Call) (drivers.Result, error) {
	command, err := d.command(call)
	if err != nil {
		return drivers.Result{OK: false, Detail: err.Error()}, nil
	}

	output, err := d.run(ctx, command)
	if err != nil {
		if errors.IsTransportError(err) {
			return drivers.Result{}, err
		}
		return drivers.Result{OK: false, Detail: fmt.Sprintf("%v: %s", err, output)}, nil
	}

	log.Info().
		Str("host", d.cfg.Host).
		Str("capability", call.CapabilityID).
		Str("verb", call.Verb).
		Msg("SSH command executed")
	return drivers.Result{OK: true, Detail: strings.TrimSpace(output)}, nil
}

func (d *Driver) DryRun(ctx context.Context, call drivers.Call) (models.DryRunResult, error) {
	command, err := d.command(call)
	if err != nil {
		return models.DryRunResult{
			OK:       false,
			Severity: models.SeverityError,
			Reason:   err.Error(),
		}, nil
	}

	conn, _ := d.TestConnection(ctx)
	severity := models.SeverityInfo
	if !conn.OK {
		severity = models.SeverityWarn
	}

	return models.DryRunResult{
		OK:       true,
		Severity: severity,
		Preconditions: []models.PreconditionCheck{
			{Check: "ssh_reachable", OK: conn.OK, Detail: conn.Detail},
		},
		Plan: models.DryRunPlan{
			Kind:    "ssh",
			Preview: []string{command},
		},
		Effects: models.DryRunEffects{
			Summary:   fmt.Sprintf("would run %q on %s", command, d.cfg.Host),
			PerTarget: []models.EffectTransition{{ID: call.TargetID, From: "up", To: call.Verb}},
		},
	}, nil
}

// command maps a capability/verb pair to the shell command line.
func (d *Driver) command(call drivers.Call) (string, error) {
	switch call.CapabilityID {
	case capPower:
		grace := 0
		if raw, ok := call.Params["graceSeconds"]; ok {
			switch v := raw.(type) {
			case float64:
				grace = int(v)
			case int:
				grace = v
			case string:
				parsed, err := strconv.Atoi(v)
				if err != nil {
					return "", fmt.Errorf("invalid graceSeconds %q", v)
				}
				grace = parsed
			}
		}
		flag := "-h"
		switch call.Verb {
		case "shutdown":
		case "reboot":
			flag = "-r"
		default:
			return "", fmt.Errorf("unknown verb %q for %s", call.Verb, capPower)
		}
		when := "now"
		if grace > 0 {
			// shutdown(8) takes minutes; round up.
			when = "+" + strconv.Itoa((grace+59)/60)
		}
		return fmt.Sprintf("shutdown %s %s", flag, when), nil

	case capShell:
		if call.Verb != "run" {
			return "", fmt.Errorf("unknown verb %q for %s", call.Verb, capShell)
		}
		cmd, _ := call.Params["command"].(string)
		if strings.TrimSpace(cmd) == "" {
			return "", fmt.Errorf("%s run requires a command param", capShell)
		}
		return cmd, nil

	default:
		return "", fmt.Errorf("unknown capability %q", call.CapabilityID)
	}
}

func (d *Driver) run(ctx context.Context, command string) (string, error) {
	client, err := d.dial(ctx)
	if err != nil {
		return "", errors.WrapTransportError("ssh_dial", d.cfg.Name, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", errors.WrapTransportError("ssh_session", d.cfg.Name, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		if err != nil {
			return stderr.String(), fmt.Errorf("remote command failed: %w", err)
		}
		return stdout.String(), nil
	case <-ctx.Done():
		// Best effort: tear the session down so the goroutine unblocks.
		_ = session.Close()
		return "", errors.NewOrchestratorError(errors.ErrorTypeTimeout, "ssh_run", d.cfg.Name, ctx.Err())
	}
}

func (d *Driver) dial(ctx context.Context) (*ssh.Client, error) {
	auth, err := d.authMethods()
	if err != nil {
		return nil, err
	}

	clientConfig := &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            auth,
		Timeout:         d.cfg.ConnectTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: wire known_hosts management through config
	}

	addr, err := d.resolveAddr(ctx)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: d.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// resolveAddr resolves the host through the cached resolver, falling
// back to the literal host when resolution fails (it may be an IP).
func (d *Driver) resolveAddr(ctx context.Context) (string, error) {
	port := strconv.Itoa(d.cfg.Port)
	if net.ParseIP(d.cfg.Host) != nil {
		return net.JoinHostPort(d.cfg.Host, port), nil
	}
	ips, err := d.resolver.LookupHost(ctx, d.cfg.Host)
	if err != nil || len(ips) == 0 {
		return net.JoinHostPort(d.cfg.Host, port), nil
	}
	return net.JoinHostPort(ips[0], port), nil
}

func (d *Driver) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if d.cfg.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(d.cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if d.cfg.Password != "" {
		methods = append(methods, ssh.Password(d.cfg.Password))
	}
	return methods, nil
}
