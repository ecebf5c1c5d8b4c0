package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"cssmod/internal/client"
	"cssmod/internal/config"
	"cssmod/internal/daemonrun"
	"cssmod/internal/logging"
	"cssmod/internal/projectid"
	"cssmod/internal/wire"
)

type commandContext struct {
	socketFlag *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(socketFlag, configFlag *string) *commandContext {
	return &commandContext{
		socketFlag: socketFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	if cfg == nil {
		defaults := config.Default()
		return &defaults
	}
	return cfg
}

// paths returns the socket and scratch directory for this invocation: the
// --socket flag when given, otherwise the working directory's project.
func (c *commandContext) paths() (projectid.Paths, error) {
	return c.pathsFor(c.configValue())
}

func (c *commandContext) pathsFor(cfg *config.Config) (projectid.Paths, error) {
	if c.socketFlag != nil {
		if socket := strings.TrimSpace(*c.socketFlag); socket != "" {
			return projectid.Paths{Socket: socket, Scratch: daemonrun.DefaultScratchDir(socket)}, nil
		}
	}
	paths, err := projectid.Current(cfg.Paths.SocketRoot)
	if err != nil {
		return projectid.Paths{}, fmt.Errorf("derive project socket: %w", err)
	}
	return paths, nil
}

// daemonArgs is the argument list for a daemon serving paths, forwarding the
// --config flag.
func (c *commandContext) daemonArgs(paths projectid.Paths) []string {
	args := []string{"daemon", paths.Socket, paths.Scratch}
	if cfg := c.configPath(); cfg != "" {
		if abs, err := filepath.Abs(cfg); err == nil {
			cfg = abs
		}
		args = append(args, "--config", cfg)
	}
	return args
}

func (c *commandContext) logger() *slog.Logger {
	logger, err := logging.NewFromConfig(c.configValue())
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

// newClient builds a client for socket from the [client] config section.
func (c *commandContext) newClient(socket string) (*client.Client, error) {
	cfg := c.configValue()
	cl := client.New(socket)
	framing, err := wire.ParseFraming(cfg.Client.Framing)
	if err != nil {
		return nil, err
	}
	exhausted, err := client.ParseExhaustion(cfg.Client.OnExhausted)
	if err != nil {
		return nil, err
	}
	cl.Framing = framing
	cl.OnExhausted = exhausted
	cl.Backoff = client.Backoff{Base: cfg.BackoffBase(), Cap: cfg.BackoffCap(), Retries: cfg.Client.Retries}
	cl.Logger = c.logger()
	return cl, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
