package ssh

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")

	if config.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", config.Host)
	}
	if config.User != "deploy" {
		t.Errorf("expected user 'deploy', got '%s'", config.User)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
	if config.KeepAliveInterval != 0 {
		t.Errorf("expected keep-alive disabled, got %v", config.KeepAliveInterval)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(*Config)
		errorMsg string
	}{
		{
			name: "valid config",
			modify: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:     "missing host",
			modify:   func(c *Config) { c.Host = "" },
			errorMsg: "host is required",
		},
		{
			name:     "invalid port",
			modify:   func(c *Config) { c.Port = 0 },
			errorMsg: "invalid port",
		},
		{
			name:     "missing user",
			modify:   func(c *Config) { c.User = "" },
			errorMsg: "user is required",
		},
		{
			name: "password auth without password",
			modify: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			errorMsg: "password is required",
		},
		{
			name: "missing key file",
			modify: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/key"
			},
			errorMsg: "private key file not found",
		},
		{
			name: "unsupported auth method",
			modify: func(c *Config) {
				c.AuthMethod = "kerberos"
			},
			errorMsg: "unsupported auth method",
		},
		{
			name: "invalid connection timeout",
			modify: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ConnectionTimeout = 0
			},
			errorMsg: "connection timeout must be positive",
		},
		{
			name: "invalid command timeout",
			modify: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.CommandTimeout = 0
			},
			errorMsg: "command timeout must be positive",
		},
		{
			name: "proxy without user",
			modify: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ProxyHost = "bastion.example.com"
			},
			errorMsg: "proxy user is required",
		},
		{
			name: "proxy without auth method",
			modify: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ProxyHost = "bastion.example.com"
				c.ProxyUser = "jump"
			},
			errorMsg: "proxy auth method is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "deploy")
			tt.modify(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing '%s', got nil", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing '%s', got '%v'", tt.errorMsg, err)
			}
		})
	}
}

func TestConfigAddresses(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")
	config.Port = 2222

	if got := config.Address(); got != "example.com:2222" {
		t.Errorf("expected address 'example.com:2222', got '%s'", got)
	}
	if config.IsProxyEnabled() {
		t.Error("expected proxy to be disabled")
	}
	if got := config.ProxyAddress(); got != "" {
		t.Errorf("expected empty proxy address, got '%s'", got)
	}

	config.ProxyHost = "bastion.example.com"
	config.ProxyPort = 2200
	if !config.IsProxyEnabled() {
		t.Error("expected proxy to be enabled")
	}
	if got := config.ProxyAddress(); got != "bastion.example.com:2200" {
		t.Errorf("expected proxy address 'bastion.example.com:2200', got '%s'", got)
	}
}

func TestConfigProxyConfig(t *testing.T) {
	config := DefaultConfig("10.0.0.5", "deploy")
	config.ProxyHost = "bastion.example.com"
	config.ProxyPort = 2200
	config.ProxyUser = "jump"
	config.ProxyAuthMethod = AuthMethodPassword
	config.ProxyPassword = "hop"
	config.ConnectionTimeout = 7 * time.Second

	proxy := config.ProxyConfig()
	if proxy.Address() != "bastion.example.com:2200" {
		t.Errorf("expected proxy address, got '%s'", proxy.Address())
	}
	if proxy.User != "jump" || proxy.Password != "hop" {
		t.Errorf("unexpected proxy credentials: %s/%s", proxy.User, proxy.Password)
	}
	if proxy.AuthMethod != AuthMethodPassword {
		t.Errorf("expected password auth, got '%s'", proxy.AuthMethod)
	}
	if proxy.ConnectionTimeout != 7*time.Second {
		t.Errorf("expected inherited timeout, got %v", proxy.ConnectionTimeout)
	}
	if err := proxy.Validate(); err != nil {
		t.Errorf("expected proxy config to validate, got: %v", err)
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "deploy")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if clientConfig.User != "deploy" {
			t.Errorf("expected user 'deploy', got '%s'", clientConfig.User)
		}
		// password and keyboard-interactive
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}
		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "deploy")
		config.AuthMethod = AuthMethodKey
		config.PrivateKeyPath = writeTestKey(t)
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("unreadable key", func(t *testing.T) {
		config := DefaultConfig("example.com", "deploy")
		config.PrivateKeyPath = "/nonexistent/key"

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error for missing key, got nil")
		}
	})

	t.Run("agent authentication without socket", func(t *testing.T) {
		t.Setenv("SSH_AUTH_SOCK", "")
		config := DefaultConfig("example.com", "deploy")
		config.AuthMethod = AuthMethodAgent

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error for agent auth without SSH_AUTH_SOCK, got nil")
		}
	})

	t.Run("agent authentication", func(t *testing.T) {
		t.Setenv("SSH_AUTH_SOCK", "/tmp/agent.sock")
		config := DefaultConfig("example.com", "deploy")
		config.AuthMethod = AuthMethodAgent
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})
}
