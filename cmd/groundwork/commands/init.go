package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/openfroyo/groundwork/pkg/stores"
)

const starterConfig = `// groundwork run configuration.
name: %q
spec: "site.star"

targets: [
	{id: "example", address: "192.0.2.10", os_family: "ubuntu"},
]

user: {
	username:         "root"
	private_key_path: "keys/id_ed25519"
	public_key_path:  "keys/id_ed25519.pub"
}

ssh: {
	strict_host_key_checking: false
	command_timeout:          "5m"
}

store: path: "groundwork.db"
`

const starterSpec = `# Phases are top-level functions taking the target.

def settings(target):
    exec("hostnamectl set-hostname " + target.name, sudo = True)

def bootstrap(target):
    if target.package_manager == "apt":
        exec("apt-get update -q", sudo = True)
    return {"os": target.os_family}

def install(target):
    exec("echo installing on " + target.address)
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a groundwork project",
		Long: `Initialize a project directory with a starter configuration, a starter
Starlark spec, an ed25519 SSH keypair and a migrated run history database.

Existing files are kept unless --force is given.`,
		Example: `  # Initialize the current directory
  groundwork init

  # Initialize a new directory
  groundwork init ./web`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return initProject(cmd, dir, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}

func initProject(cmd *cobra.Command, dir string, force bool) error {
	out := cmd.OutOrStdout()

	if err := os.MkdirAll(filepath.Join(dir, "keys"), 0o700); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	name := filepath.Base(abs)

	files := []struct {
		path    string
		content []byte
		mode    os.FileMode
	}{
		{filepath.Join(dir, "groundwork.cue"), []byte(fmt.Sprintf(starterConfig, name)), 0o644},
		{filepath.Join(dir, "site.star"), []byte(starterSpec), 0o644},
	}
	for _, f := range files {
		written, err := writeNew(f.path, f.content, f.mode, force)
		if err != nil {
			return err
		}
		if written {
			fmt.Fprintf(out, "created %s\n", f.path)
		} else {
			fmt.Fprintf(out, "kept %s\n", f.path)
		}
	}

	keyPath := filepath.Join(dir, "keys", "id_ed25519")
	if _, err := os.Stat(keyPath); errors.Is(err, fs.ErrNotExist) || force {
		if err := generateKeyPair(keyPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "created %s\n", keyPath)
	} else {
		fmt.Fprintf(out, "kept %s\n", keyPath)
	}

	dbPath := filepath.Join(dir, "groundwork.db")
	store, err := stores.Open(cmd.Context(), dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize run history: %w", err)
	}
	if err := store.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "initialized %s\n", dbPath)

	log.Info().Str("dir", abs).Msg("project initialized")
	return nil
}

// writeNew writes path unless it exists and force is false.
func writeNew(path string, content []byte, mode os.FileMode, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// generateKeyPair writes an OpenSSH ed25519 private key to path and its
// authorized_keys line to path.pub.
func generateKeyPair(path string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	block, err := sshpkg.MarshalPrivateKey(priv, "")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	sshPub, err := sshpkg.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("failed to create public key: %w", err)
	}
	if err := os.WriteFile(path+".pub", sshpkg.MarshalAuthorizedKey(sshPub), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}
