package compute

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/digitalocean/godo"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/oauth2"

	"github.com/openfroyo/groundwork/pkg/engine"
	"github.com/openfroyo/groundwork/pkg/telemetry"
)

const (
	// DefaultPollInterval is how often droplet status is checked.
	DefaultPollInterval = 5 * time.Second

	// DefaultProvisionTimeout bounds the wait for droplets to become active.
	DefaultProvisionTimeout = 10 * time.Minute

	// managedTag is attached to every droplet this backend creates.
	managedTag = "groundwork"

	// maxDropletsPerRequest is the API limit for one multi-create call.
	maxDropletsPerRequest = 10
)

// DigitalOceanConfig configures the DigitalOcean backend.
type DigitalOceanConfig struct {
	// Token is the API token. Empty falls back to DIGITALOCEAN_TOKEN, then DO_TOKEN.
	Token string `yaml:"token,omitempty" json:"-"`

	// SSHKeyFingerprints are account keys installed on new droplets.
	SSHKeyFingerprints []string `yaml:"ssh_key_fingerprints,omitempty" json:"ssh_key_fingerprints,omitempty"`

	// VPCUUID places droplets in a VPC.
	VPCUUID string `yaml:"vpc_uuid,omitempty" json:"vpc_uuid,omitempty"`

	// PollInterval is how often droplet status is checked.
	PollInterval time.Duration `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`

	// Timeout bounds the wait for droplets to become active.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// KeepOnFailure leaves droplets in place when provisioning does not complete.
	KeepOnFailure bool `yaml:"keep_on_failure,omitempty" json:"keep_on_failure,omitempty"`
}

// DigitalOcean creates targets as DigitalOcean droplets.
type DigitalOcean struct {
	client *godo.Client
	config DigitalOceanConfig
}

// NewDigitalOcean creates a backend authenticated with the configured token.
func NewDigitalOcean(cfg DigitalOceanConfig) (*DigitalOcean, error) {
	token := cfg.Token
	if token == "" {
		token = os.Getenv("DIGITALOCEAN_TOKEN")
	}
	if token == "" {
		token = os.Getenv("DO_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("digitalocean: API token not set")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	return NewDigitalOceanWithClient(godo.NewClient(httpClient), cfg), nil
}

// NewDigitalOceanWithClient creates a backend using an existing API client.
func NewDigitalOceanWithClient(client *godo.Client, cfg DigitalOceanConfig) *DigitalOcean {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProvisionTimeout
	}
	return &DigitalOcean{client: client, config: cfg}
}

// Name returns the provider name.
func (d *DigitalOcean) Name() string {
	return "digitalocean"
}

// CreateNodes creates count droplets named <group>-<n> and waits until all of
// them are active with a public IPv4 address. Unless KeepOnFailure is set,
// droplets already created are deleted when the wait fails.
func (d *DigitalOcean) CreateNodes(ctx context.Context, spec engine.NodeSpec, user engine.User, count int, opts engine.CreateOptions) (targets []engine.Target, err error) {
	ctx, span := telemetry.TracerFrom(ctx).StartComputeSpan(ctx, d.Name(), "create_nodes")
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	if spec.Image == "" || spec.Size == "" || spec.Region == "" {
		return nil, fmt.Errorf("digitalocean: image, size and region are required")
	}
	if count <= 0 {
		return nil, fmt.Errorf("digitalocean: invalid droplet count: %d", count)
	}
	group := opts.Group
	if group == "" {
		group = "node"
	}

	keys, err := d.sshKeys(ctx, user)
	if err != nil {
		return nil, err
	}

	names := make([]string, count)
	for i := range names {
		names[i] = fmt.Sprintf("%s-%d", group, i+1)
	}

	logger := log.With().Str("provider", d.Name()).Str("group", group).Logger()
	logger.Info().Int("count", count).Str("region", spec.Region).Str("size", spec.Size).Msg("creating droplets")

	var droplets []godo.Droplet
	for start := 0; start < count; start += maxDropletsPerRequest {
		end := min(start+maxDropletsPerRequest, count)
		created, _, err := d.client.Droplets.CreateMultiple(ctx, &godo.DropletMultiCreateRequest{
			Names:   names[start:end],
			Region:  spec.Region,
			Size:    spec.Size,
			Image:   godo.DropletCreateImage{Slug: spec.Image},
			SSHKeys: keys,
			Tags:    append([]string{managedTag, "group:" + group}, spec.Tags...),
			VPCUUID: d.config.VPCUUID,
		})
		if err != nil {
			if !d.config.KeepOnFailure {
				d.cleanup(ctx, droplets)
			}
			return nil, fmt.Errorf("digitalocean: failed to create droplets: %w", err)
		}
		droplets = append(droplets, created...)
	}

	ready, err := d.waitActive(ctx, droplets)
	if err != nil {
		if !d.config.KeepOnFailure {
			d.cleanup(ctx, droplets)
		}
		return nil, err
	}

	targets = make([]engine.Target, len(ready))
	for i, droplet := range ready {
		targets[i] = dropletTarget(droplet, group, spec)
	}

	logger.Info().Int("count", len(targets)).Msg("droplets active")
	return targets, nil
}

// sshKeys returns the keys to install: configured fingerprints plus the user's
// public key, registered with the account if it is not there yet.
func (d *DigitalOcean) sshKeys(ctx context.Context, user engine.User) ([]godo.DropletCreateSSHKey, error) {
	keys := make([]godo.DropletCreateSSHKey, 0, len(d.config.SSHKeyFingerprints)+1)
	for _, fp := range d.config.SSHKeyFingerprints {
		keys = append(keys, godo.DropletCreateSSHKey{Fingerprint: fp})
	}

	if user.PublicKeyPath == "" {
		return keys, nil
	}

	data, err := os.ReadFile(user.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("digitalocean: failed to read public key: %w", err)
	}
	pub, comment, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("digitalocean: failed to parse public key: %w", err)
	}
	fp := ssh.FingerprintLegacyMD5(pub)

	_, resp, err := d.client.Keys.GetByFingerprint(ctx, fp)
	switch {
	case err == nil:
	case resp != nil && resp.StatusCode == http.StatusNotFound:
		name := comment
		if name == "" {
			name = "groundwork-" + user.Username
		}
		if _, _, err := d.client.Keys.Create(ctx, &godo.KeyCreateRequest{
			Name:      name,
			PublicKey: string(ssh.MarshalAuthorizedKey(pub)),
		}); err != nil {
			return nil, fmt.Errorf("digitalocean: failed to register SSH key: %w", err)
		}
		log.Info().Str("fingerprint", fp).Msg("registered SSH key")
	default:
		return nil, fmt.Errorf("digitalocean: failed to look up SSH key: %w", err)
	}

	return append(keys, godo.DropletCreateSSHKey{Fingerprint: fp}), nil
}

// waitActive polls until every droplet is active with a public IPv4 address.
// The returned droplets keep the order of created.
func (d *DigitalOcean) waitActive(ctx context.Context, created []godo.Droplet) ([]godo.Droplet, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	ready := make([]godo.Droplet, len(created))
	pending := make(map[int]int, len(created))
	for i, droplet := range created {
		pending[droplet.ID] = i
	}

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		for id, i := range pending {
			droplet, _, err := d.client.Droplets.Get(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				log.Warn().Err(err).Int("droplet", id).Msg("failed to poll droplet")
				continue
			}
			if droplet.Status != "active" {
				continue
			}
			if ip, err := droplet.PublicIPv4(); err != nil || ip == "" {
				continue
			}
			ready[i] = *droplet
			delete(pending, id)
		}

		if len(pending) == 0 {
			return ready, nil
		}

		select {
		case <-ctx.Done():
			ids := make([]string, 0, len(pending))
			for id := range pending {
				ids = append(ids, strconv.Itoa(id))
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("digitalocean: droplets %v not active after %s", ids, d.config.Timeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// cleanup deletes droplets after a failed provisioning attempt.
func (d *DigitalOcean) cleanup(ctx context.Context, droplets []godo.Droplet) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	for _, droplet := range droplets {
		if _, err := d.client.Droplets.Delete(ctx, droplet.ID); err != nil {
			log.Error().Err(err).Int("droplet", droplet.ID).Msg("failed to delete droplet")
			continue
		}
		log.Info().Int("droplet", droplet.ID).Str("name", droplet.Name).Msg("deleted droplet")
	}
}

func dropletTarget(droplet godo.Droplet, group string, spec engine.NodeSpec) engine.Target {
	ip, _ := droplet.PublicIPv4()

	family := NormalizeOSFamily(spec.OSFamily)
	if family == "" && droplet.Image != nil {
		family = NormalizeOSFamily(droplet.Image.Distribution)
	}
	pm := spec.PackageManager
	if pm == "" {
		pm = PackageManagerFor(family)
	}

	labels := map[string]string{
		"provider": "digitalocean",
		"region":   spec.Region,
		"size":     spec.Size,
	}
	if droplet.Region != nil && droplet.Region.Slug != "" {
		labels["region"] = droplet.Region.Slug
	}

	return engine.Target{
		ID:             strconv.Itoa(droplet.ID),
		Name:           droplet.Name,
		Group:          group,
		Address:        ip,
		OSFamily:       family,
		OSVersion:      spec.OSVersion,
		PackageManager: pm,
		Labels:         labels,
	}
}
